package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mgrady/wayback-harvester/internal/progress"
)

func outcomeEvent(class progress.Class, snap progress.Snapshot) progress.Event {
	return progress.Event{
		RunID:    progress.UUIDToBytes(uuid.New()),
		TS:       time.Now().UTC(),
		Stage:    progress.StageOutcome,
		Class:    class,
		Dur:      25 * time.Millisecond,
		Snapshot: snap,
	}
}

func TestPrometheusSink_CountsOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	snap := progress.Snapshot{Todo: 7, InProgress: 2, Done: 3, NotFound: 1}
	batch := []progress.Event{
		outcomeEvent(progress.ClassSuccess, snap),
		outcomeEvent(progress.ClassSuccess, snap),
		outcomeEvent(progress.ClassRetry, snap),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, float64(2), testutil.ToFloat64(sink.outcomes.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.outcomes.WithLabelValues("retry")))
	require.Equal(t, float64(7), testutil.ToFloat64(sink.todo))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.notFound))
}

func TestPrometheusSink_CountsBackoffs(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	evt := progress.Event{
		RunID: progress.UUIDToBytes(uuid.New()),
		TS:    time.Now().UTC(),
		Stage: progress.StageBackoff,
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt, evt}))
	require.Equal(t, float64(2), testutil.ToFloat64(sink.backoffs))
}

func TestPrometheusSink_DoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
