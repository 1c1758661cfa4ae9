package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/vertextoedge/fetchd/internal/domain"
)

func TestInMemoryDispatcher_RoutesByName(t *testing.T) {
	d := NewInMemoryDispatcher()
	key := domain.NewDownloadKey("note-1", domain.RolePrimary)

	var completed, all []string
	d.Subscribe(&HandlerFunc{
		Events: []string{NameDownloadCompleted},
		Fn: func(e DomainEvent) error {
			completed = append(completed, e.EventName())
			return nil
		},
	})
	d.Subscribe(&HandlerFunc{
		Events: []string{"*"},
		Fn: func(e DomainEvent) error {
			all = append(all, e.EventName())
			return nil
		},
	})

	d.Dispatch(NewDownloadStarted(key, "https://example.com/a", domain.StrategyFresh, 0))
	d.Dispatch(NewDownloadCompleted(key, "/tmp/a", 10, domain.StrategyFresh))

	assert.Equal(t, []string{NameDownloadCompleted}, completed)
	assert.Equal(t, []string{NameDownloadStarted, NameDownloadCompleted}, all)
}

func TestInMemoryDispatcher_Unsubscribe(t *testing.T) {
	d := NewInMemoryDispatcher()
	key := domain.NewDownloadKey("note-1", domain.RolePrimary)

	calls := 0
	h := &HandlerFunc{
		Events: []string{NameDownloadCancelled},
		Fn:     func(DomainEvent) error { calls++; return nil },
	}
	d.Subscribe(h)
	d.Dispatch(NewDownloadCancelled(key, "test"))
	d.Unsubscribe(h)
	d.Dispatch(NewDownloadCancelled(key, "test"))

	assert.Equal(t, 1, calls)
}

func TestInMemoryDispatcher_OnError(t *testing.T) {
	d := NewInMemoryDispatcher()
	key := domain.NewDownloadKey("note-1", domain.RolePrimary)
	boom := errors.New("boom")

	var got error
	d.OnError(func(_ DomainEvent, err error) { got = err })
	d.Subscribe(&HandlerFunc{
		Events: []string{NameRecordPurged},
		Fn:     func(DomainEvent) error { return boom },
	})

	d.Dispatch(NewRecordPurged(key, "orphaned"))
	assert.ErrorIs(t, got, boom)
}

func TestLoggingHandler_HandlesAllEvents(t *testing.T) {
	h := NewLoggingHandler(zap.NewNop())
	key := domain.NewDownloadKey("note-1", domain.RoleAuxiliary1)

	events := []DomainEvent{
		NewDownloadStarted(key, "u", domain.StrategyRange, 100),
		NewDownloadResumed(key, domain.StrategyToken, 100),
		NewDownloadPaused(key, 100, 200, true),
		NewDownloadFailed(key, 100, domain.NewTransportError("open", "u", 503, nil)),
		NewDownloadCompleted(key, "/d", 200, domain.StrategyRange),
		NewDownloadCancelled(key, "caller"),
		NewRecordPurged(key, "stale"),
	}
	for _, e := range events {
		assert.NoError(t, h.Handle(e))
		assert.Equal(t, key, e.DownloadKey())
	}
	assert.Equal(t, []string{"*"}, h.HandledEvents())
}

func TestNewDownloadFailed_Retryable(t *testing.T) {
	key := domain.NewDownloadKey("note-1", domain.RolePrimary)

	e := NewDownloadFailed(key, 0, domain.NewTransportError("open", "u", 500, nil))
	assert.True(t, e.Retryable)

	e = NewDownloadFailed(key, 0, domain.NewFilesystemError("write", "/x", errors.New("disk full")))
	assert.False(t, e.Retryable)
}
