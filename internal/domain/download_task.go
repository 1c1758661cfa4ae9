package domain

import "fmt"

// TaskState is the in-memory state of a download task. It is never persisted.
type TaskState int

const (
	// TaskIdle is a record known to the manager but not resumed by a caller
	TaskIdle TaskState = iota
	TaskFetching
	TaskPaused
	TaskCompleting
	TaskCompleted
	TaskFailed
	TaskCancelled
)

var taskStateNames = map[TaskState]string{
	TaskIdle:       "idle",
	TaskFetching:   "fetching",
	TaskPaused:     "paused",
	TaskCompleting: "completing",
	TaskCompleted:  "completed",
	TaskFailed:     "failed",
	TaskCancelled:  "cancelled",
}

// String returns the state name
func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal returns true for states a task never leaves
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// allowedTransitions lists every legal edge except the cancel edges,
// which are allowed from any non-terminal state.
var allowedTransitions = map[TaskState][]TaskState{
	TaskIdle:       {TaskFetching},
	TaskFetching:   {TaskPaused, TaskFailed, TaskCompleting},
	TaskPaused:     {TaskFetching},
	TaskCompleting: {TaskCompleted, TaskFailed},
	TaskFailed:     {TaskFetching},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to TaskState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskCancelled {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns an error wrapping ErrInvalidStateTransition if the edge is illegal
func Transition(from, to TaskState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}

// ResumeStrategy is how a task obtains the bytes it still needs
type ResumeStrategy int

const (
	// StrategyFresh downloads from byte 0 into a new working file
	StrategyFresh ResumeStrategy = iota
	// StrategyRange requests the remainder with a Range header into a segment file
	StrategyRange
	// StrategyToken continues the transport session described by the resume token
	StrategyToken
)

// String returns the strategy name
func (s ResumeStrategy) String() string {
	switch s {
	case StrategyFresh:
		return "fresh"
	case StrategyRange:
		return "range"
	case StrategyToken:
		return "token"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// CatalogEntry describes one downloadable asset supplied by the rest of the app
type CatalogEntry struct {
	OwnerID              string
	Role                 FileRole
	URL                  string
	DestinationDirectory string
	FileName             string
	ExpectedSHA256       string
}

// Key returns the download key for the entry
func (e CatalogEntry) Key() DownloadKey {
	return DownloadKey{OwnerID: e.OwnerID, Role: e.Role}
}
