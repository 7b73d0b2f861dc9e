package backoff

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/polizaops/scheduled-notifier/internal/delivery"
)

func TestRetryable(t *testing.T) {
	p := New(nil, 0)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "tagged fatal", err: delivery.Fatal(errors.New("bad address")), want: false},
		{name: "tagged transient", err: delivery.Transient(errors.New("503")), want: true},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, want: true},
		{name: "unclassified is permanent", err: errors.New("unknown recipient"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Retryable(tt.err))
		})
	}
}

func TestShouldRetry_BoundedByMaxRetries(t *testing.T) {
	p := New(nil, 3)
	transient := delivery.Transient(errors.New("timeout"))

	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3))

	// Fatal errors never retry, even with attempts left.
	assert.False(t, p.ShouldRetry(delivery.Fatal(errors.New("rejected")), 1))
}

func TestDelay(t *testing.T) {
	p := New([]time.Duration{5 * time.Second, 15 * time.Second, time.Minute}, 3)

	assert.Equal(t, 5*time.Second, p.Delay(0))
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 15*time.Second, p.Delay(2))
	assert.Equal(t, time.Minute, p.Delay(3))
	assert.Equal(t, time.Minute, p.Delay(10))
}

func TestNew_Defaults(t *testing.T) {
	p := New(nil, 0)

	assert.Equal(t, DefaultMaxRetries, p.MaxRetries())
	assert.Equal(t, DefaultTable[0], p.Delay(1))
}
