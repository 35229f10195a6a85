package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AnTengye/contractguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterClosesOnTerminalState(t *testing.T) {
	b := NewBroadcaster(8)
	ch, unsubscribe := b.Subscribe("a1")
	other, unsubOther := b.Subscribe("a2")
	defer unsubOther()

	b.Publish(Event{Type: EventState, AnalysisID: "a1", State: model.StateQueued})
	b.Publish(Event{Type: EventState, AnalysisID: "a1", State: model.StateDone})

	var got []model.State
	for ev := range ch {
		got = append(got, ev.State)
	}
	assert.Equal(t, []model.State{model.StateQueued, model.StateDone}, got)
	assert.Zero(t, b.Subscribers("a1"))
	assert.Equal(t, 1, b.Subscribers("a2"))
	assert.Empty(t, other)

	// Unsubscribing after close is harmless
	unsubscribe()
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster(8)
	ch, unsubscribe := b.Subscribe("a1")
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	b.Publish(Event{Type: EventState, AnalysisID: "a1", State: model.StateQueued})
	assert.Zero(t, b.Subscribers("a1"))
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(1)
	slow, unsubSlow := b.Subscribe("a1")
	defer unsubSlow()

	b.Publish(Event{AnalysisID: "a1", State: model.StateQueued})
	b.Publish(Event{AnalysisID: "a1", State: model.StateExtracting})

	ev, ok := <-slow
	require.True(t, ok)
	assert.Equal(t, model.StateQueued, ev.State)
	_, ok = <-slow
	assert.False(t, ok, "overflowing subscriber is closed")
}

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(2, 8)
	p.Start()

	var ran atomic.Int32
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			ran.Add(1)
			done <- struct{}{}
		}))
	}
	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}
	assert.EqualValues(t, 8, ran.Load())

	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrPoolClosed)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 2)
	p.Start()
	defer p.Shutdown(context.Background())

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestPoolShutdownCancelsRunningTasks(t *testing.T) {
	p := NewPool(1, 1)
	p.Start()

	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

func TestPoolSubmitHonoursContext(t *testing.T) {
	p := NewPool(1, 1)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.Canceled)
}
