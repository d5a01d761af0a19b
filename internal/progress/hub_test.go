package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *captureSink) Consume(_ context.Context, batch []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, batch...)
	return nil
}

func (c *captureSink) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func validEvent(stage Stage) Event {
	evt := Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now().UTC(),
		Stage: stage,
	}
	if stage == StageOutcome {
		evt.Class = ClassSuccess
	}
	return evt
}

func TestHub_DeliversEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{FlushInterval: 10 * time.Millisecond}, sink)

	hub.Emit(validEvent(StageRunStart))
	hub.Emit(validEvent(StageOutcome))

	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHub_CloseFlushesBufferedEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	// Long flush interval: events must still arrive via the close drain.
	hub := NewHub(Config{FlushInterval: time.Hour}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(validEvent(StageOutcome))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 5, sink.count())
}

func TestHub_DiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)

	hub.Emit(Event{Stage: StageOutcome}) // missing run id and timestamp
	require.NoError(t, hub.Close(context.Background()))
	require.Zero(t, sink.count())
}

func TestHub_EmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent(StageRunStart))
	require.Zero(t, sink.count())
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validEvent(StageRunStart).Validate())

	evt := validEvent(StageOutcome)
	evt.Class = ""
	require.Error(t, evt.Validate())

	evt = validEvent(StageRunStart)
	evt.Stage = "BOGUS"
	require.Error(t, evt.Validate())
}
