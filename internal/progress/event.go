// Package progress defines the telemetry events emitted by a harvest run
// and the hub that fans them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart Stage = "RUN_START"
	StageOutcome  Stage = "OUTCOME"
	StageBackoff  Stage = "BACKOFF"
	StageRunDone  Stage = "RUN_DONE"
)

// Class is the coarse grouping of one task outcome.
type Class string

// Supported outcome classes.
const (
	ClassSuccess  Class = "success"
	ClassNotFound Class = "notfound"
	ClassRetry    Class = "retry"
)

// Snapshot carries the queue counters and derived telemetry at the time
// an event was emitted.
type Snapshot struct {
	Todo        int
	InProgress  int
	Done        int
	NotFound    int
	Total       int
	SuccessRate float64
	ETA         time.Duration
}

// Event captures one progress milestone of a harvest run.
type Event struct {
	// RunID identifies the run in its 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// DocID scopes outcome events to a document.
	DocID string
	// Class groups outcome events; empty for run-level stages.
	Class Class
	// Reason carries the normalized failure reason, if any.
	Reason string
	// Dur is the wall time of the fetch for outcome events.
	Dur time.Duration
	// Snapshot holds queue counters at emission time.
	Snapshot Snapshot
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageBackoff, StageRunDone:
	case StageOutcome:
		if e.Class == "" {
			return errors.New("outcome requires a class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run id to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
