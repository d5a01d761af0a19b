// Package fetch retrieves one archived document per task: network GET,
// text extraction, tokenization and shard append, with every failure
// classified into an explicit outcome instead of an error chain.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind partitions outcomes by how the driver must route them.
type Kind int

const (
	// KindSuccess: the record was appended; the id is done.
	KindSuccess Kind = iota
	// KindTerminal: the document is permanently unavailable; the id is
	// recorded as done so it is never retried.
	KindTerminal
	// KindRetryable: a transient failure; the id goes back to todo.
	KindRetryable
)

// Normalized failure reasons.
const (
	ReasonNotFound    = "404 not found"
	ReasonForbidden   = "403 forbidden"
	ReasonConnRefused = "connection refused"
	ReasonTimeout     = "read timed out"
	ReasonGateway     = "upstream gateway error"
)

// Outcome is the tagged result of processing one task.
type Outcome struct {
	Kind   Kind
	Reason string
}

// Success returns the success outcome.
func Success() Outcome {
	return Outcome{Kind: KindSuccess}
}

// Terminal returns a terminal failure with the given normalized reason.
func Terminal(reason string) Outcome {
	return Outcome{Kind: KindTerminal, Reason: reason}
}

// Retryable returns a retryable failure with the given reason.
func Retryable(reason string) Outcome {
	return Outcome{Kind: KindRetryable, Reason: reason}
}

// Result pairs a doc id with its outcome for the driver. Dur is the
// wall time of the attempt; the driver fills it in.
type Result struct {
	DocID   string
	Outcome Outcome
	Dur     time.Duration
}

// errorTable maps known failure-text fragments to normalized outcomes.
// Matched in order; first hit wins. The error text embeds the request
// URL, and archive URLs carry timestamps that spell out digit runs like
// "20060404", so bare status codes must never appear as needles. A
// transport error cannot be an HTTP 404/403 anyway; terminal statuses
// are classified from the response code alone.
var errorTable = []struct {
	needle  string
	outcome Outcome
}{
	{"connection refused", Retryable(ReasonConnRefused)},
	{"timed out", Retryable(ReasonTimeout)},
	{"timeout", Retryable(ReasonTimeout)},
}

// classifyError normalizes a transport error. Typed checks run first;
// the substring table catches errors that only carry their cause in the
// message. Anything unrecognized defaults to retryable, preferring a
// wasted retry over silently losing the document.
func classifyError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(ReasonTimeout)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Retryable(ReasonConnRefused)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable(ReasonTimeout)
	}
	msg := strings.ToLower(err.Error())
	for _, entry := range errorTable {
		if strings.Contains(msg, entry.needle) {
			return entry.outcome
		}
	}
	return Retryable(err.Error())
}

// classifyStatus maps an HTTP status code to an outcome; ok reports a
// 2xx response. 404 and 403 are terminal, everything else non-2xx is
// retried (5xx means the upstream is struggling, and odd 4xx codes from
// the archive have proven transient in practice).
func classifyStatus(code int) (Outcome, bool) {
	switch {
	case code >= 200 && code < 300:
		return Success(), true
	case code == 404:
		return Terminal(ReasonNotFound), false
	case code == 403:
		return Terminal(ReasonForbidden), false
	default:
		return Retryable(fmt.Sprintf("status %d", code)), false
	}
}
