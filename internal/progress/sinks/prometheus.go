package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mgrady/wayback-harvester/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus. It owns the
// outcome counters, queue gauges and fetch-latency histogram.
type PrometheusSink struct {
	outcomes      *prometheus.CounterVec
	backoffs      prometheus.Counter
	fetchDuration *prometheus.HistogramVec

	todo       prometheus.Gauge
	inProgress prometheus.Gauge
	done       prometheus.Gauge
	notFound   prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided
// registry (nil means the default registerer).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_outcomes_total",
			Help: "Task outcomes partitioned by class.",
		}, []string{"class"}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_backoffs_total",
			Help: "Backoff cycles triggered by consecutive failures.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Wall time per task partitioned by outcome class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		}, []string{"class"}),
		todo: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_todo",
			Help: "Documents waiting to be fetched.",
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_in_progress",
			Help: "Documents currently being fetched.",
		}),
		done: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_done",
			Help: "Documents in a terminal state.",
		}),
		notFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_notfound",
			Help: "Documents terminally unavailable upstream.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.outcomes,
		s.backoffs,
		s.fetchDuration,
		s.todo,
		s.inProgress,
		s.done,
		s.notFound,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register harvest collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageOutcome:
			class := string(evt.Class)
			s.outcomes.WithLabelValues(class).Inc()
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
			}
			s.setGauges(evt.Snapshot)
		case progress.StageBackoff:
			s.backoffs.Inc()
		case progress.StageRunStart, progress.StageRunDone:
			s.setGauges(evt.Snapshot)
		}
	}
	return nil
}

func (s *PrometheusSink) setGauges(snap progress.Snapshot) {
	s.todo.Set(float64(snap.Todo))
	s.inProgress.Set(float64(snap.InProgress))
	s.done.Set(float64(snap.Done))
	s.notFound.Set(float64(snap.NotFound))
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
