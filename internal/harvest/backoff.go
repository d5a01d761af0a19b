package harvest

import "github.com/mgrady/wayback-harvester/internal/fetch"

// Backoff tracks consecutive retryable failures. A long unbroken streak
// is evidence the upstream is throttling; the driver responds with one
// bounded pause instead of an unbounded retry storm.
type Backoff struct {
	threshold   int
	consecutive int
}

// NewBackoff returns a controller that fires after threshold consecutive
// retryable failures.
func NewBackoff(threshold int) *Backoff {
	if threshold < 1 {
		threshold = 1
	}
	return &Backoff{threshold: threshold}
}

// Observe feeds one outcome into the counter and reports whether the
// threshold was just reached. Success and terminal failures reset the
// streak; only retryable failures extend it.
func (b *Backoff) Observe(out fetch.Outcome) bool {
	if out.Kind != fetch.KindRetryable {
		b.consecutive = 0
		return false
	}
	b.consecutive++
	return b.consecutive >= b.threshold
}

// Reset clears the streak after a backoff cycle completes.
func (b *Backoff) Reset() {
	b.consecutive = 0
}
