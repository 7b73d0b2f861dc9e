// Package backoff holds the pure retry decision logic: it classifies
// delivery failures and computes the delay before the next attempt. It never
// touches the store or the clock beyond arithmetic.
package backoff

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/polizaops/scheduled-notifier/internal/delivery"
)

// DefaultTable is the delay before retry n, indexed by retry count.
var DefaultTable = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// DefaultMaxRetries bounds how many failed attempts a notification gets
// before it stays failed for good.
const DefaultMaxRetries = 3

// Policy decides whether a failed delivery is worth another attempt and how
// long to wait before it.
type Policy struct {
	table      []time.Duration
	maxRetries int
}

// New creates a policy with the given backoff table and retry limit, falling
// back to the defaults for zero values.
func New(table []time.Duration, maxRetries int) Policy {
	if len(table) == 0 {
		table = DefaultTable
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return Policy{table: table, maxRetries: maxRetries}
}

// Retryable classifies a delivery error. Timeouts, connection failures and
// errors tagged transient are retryable; errors tagged fatal and anything
// unclassified (a permanent rejection by the transport) are not.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, delivery.ErrFatal) {
		return false
	}
	if errors.Is(err, delivery.ErrTransient) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	return false
}

// ShouldRetry reports whether a notification that has now failed retryCount
// times earns another attempt.
func (p Policy) ShouldRetry(err error, retryCount int) bool {
	return p.Retryable(err) && retryCount < p.maxRetries
}

// Delay returns the wait before the attempt following failure number
// retryCount. Counts beyond the table reuse its last entry.
func (p Policy) Delay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.table) {
		idx = len(p.table) - 1
	}

	return p.table[idx]
}

// MaxRetries exposes the retry limit for store queries that pre-filter
// recoverable failures.
func (p Policy) MaxRetries() int {
	return p.maxRetries
}
