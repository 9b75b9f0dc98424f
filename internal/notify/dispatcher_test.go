package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
	err    error
}

func (s *recordingSink) Handle(_ context.Context, e domain.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("disk full")}
	d := NewDispatcher(8, zap.NewNop(), a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Publish(domain.LifecycleEvent{PositionID: "p1", ToState: domain.StatePending})
	d.Publish(domain.LifecycleEvent{PositionID: "p1", ToState: domain.StateProtectedOpen})

	assert.Eventually(t, func() bool { return a.count() == 2 && b.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, domain.StateProtectedOpen, a.events[1].ToState)
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	d := NewDispatcher(1, zap.NewNop())

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Publish(domain.LifecycleEvent{PositionID: "p"})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Equal(t, 4, d.Dropped())
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(4, zap.NewNop(), sink)
	d.Publish(domain.LifecycleEvent{PositionID: "a"})
	d.Publish(domain.LifecycleEvent{PositionID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	assert.Equal(t, 2, sink.count())
}

func TestDispatcher_DoneAfterDrain(t *testing.T) {
	release := make(chan struct{})
	sink := &blockingSink{release: release}
	d := NewDispatcher(4, zap.NewNop(), sink)
	for _, id := range []string{"a", "b", "c"} {
		d.Publish(domain.LifecycleEvent{PositionID: id, ToState: domain.StateFailed, Critical: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	cancel()

	select {
	case <-d.Done():
		t.Fatal("Done closed before buffered events were delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after drain")
	}
	assert.Equal(t, 3, sink.count())
}

// blockingSink holds every delivery until release is closed.
type blockingSink struct {
	recordingSink
	release chan struct{}
}

func (s *blockingSink) Handle(ctx context.Context, e domain.LifecycleEvent) error {
	<-s.release
	return s.recordingSink.Handle(ctx, e)
}

func TestLogSink_CriticalAtErrorLevel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Handle(context.Background(), domain.LifecycleEvent{PositionID: "p", ToState: domain.StateProtectedOpen}))
	require.NoError(t, sink.Handle(context.Background(), domain.LifecycleEvent{PositionID: "p", ToState: domain.StateFailed, Critical: true}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

type fakeSaver struct{ saved []domain.LifecycleEvent }

func (f *fakeSaver) SaveLifecycleEvent(_ context.Context, e domain.LifecycleEvent) error {
	f.saved = append(f.saved, e)
	return nil
}

func TestRepositorySink_Saves(t *testing.T) {
	saver := &fakeSaver{}
	require.NoError(t, NewRepositorySink(saver).Handle(context.Background(), domain.LifecycleEvent{PositionID: "p"}))
	assert.Len(t, saver.saved, 1)
}
