package domain

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from TaskState
		to   TaskState
		want bool
	}{
		{TaskIdle, TaskFetching, true},
		{TaskFetching, TaskPaused, true},
		{TaskFetching, TaskFailed, true},
		{TaskFetching, TaskCompleting, true},
		{TaskCompleting, TaskCompleted, true},
		{TaskCompleting, TaskFailed, true},
		{TaskPaused, TaskFetching, true},
		{TaskFailed, TaskFetching, true},
		{TaskIdle, TaskCancelled, true},
		{TaskPaused, TaskCancelled, true},
		{TaskCompleting, TaskCancelled, true},
		{TaskIdle, TaskCompleted, false},
		{TaskPaused, TaskCompleting, false},
		{TaskFetching, TaskCompleted, false},
		{TaskCompleted, TaskFetching, false},
		{TaskCompleted, TaskCancelled, false},
		{TaskCancelled, TaskFetching, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransition_Error(t *testing.T) {
	if err := Transition(TaskIdle, TaskFetching); err != nil {
		t.Errorf("Transition() = %v, want nil", err)
	}
	err := Transition(TaskCancelled, TaskFetching)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Transition() = %v, want ErrInvalidStateTransition", err)
	}
}

func TestTaskState_IsTerminal(t *testing.T) {
	for _, s := range []TaskState{TaskIdle, TaskFetching, TaskPaused, TaskCompleting, TaskFailed} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
	for _, s := range []TaskState{TaskCompleted, TaskCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
}

func TestCatalogEntry_Key(t *testing.T) {
	e := CatalogEntry{OwnerID: "note-3", Role: RoleAuxiliary2, FileName: "m.bin"}
	if got := e.Key().String(); got != "note-3#auxiliary2" {
		t.Errorf("Key() = %v, want note-3#auxiliary2", got)
	}
}
