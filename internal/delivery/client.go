// Package delivery defines the interface the dispatch engine uses to hand a
// notification payload to an external transport, and the routing glue that
// picks a transport from an opaque channel identifier.
//
// Rendering and transport mechanics are external collaborators; the engine
// only knows how to call Send and how to classify its errors.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFatal marks a delivery error that must not be retried, such as an
	// invalid destination or a permanent rejection by the transport.
	ErrFatal = errors.New("fatal delivery error")

	// ErrTransient marks a delivery error worth retrying with backoff.
	ErrTransient = errors.New("transient delivery error")
)

// Fatal wraps err so the backoff policy treats it as non-retryable.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Transient wraps err so the backoff policy treats it as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Client sends a notification payload to a destination address. The context
// carries the delivery timeout; implementations must honor it.
type Client interface {
	Send(ctx context.Context, address string, payload map[string]string) error
}

// Registry routes an opaque "transport:address" channel to the client
// registered for the transport. It implements Client itself, so the
// dispatcher needs no routing knowledge.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates a registry over the given transport clients.
func NewRegistry(clients map[string]Client) *Registry {
	return &Registry{clients: clients}
}

// Send splits the channel into transport and address and delegates to the
// registered client. An unknown or malformed channel is a fatal error:
// retrying cannot make a destination valid.
func (r *Registry) Send(ctx context.Context, channel string, payload map[string]string) error {
	transport, address, ok := strings.Cut(channel, ":")
	if !ok || address == "" {
		return Fatal(fmt.Errorf("malformed channel %q", channel))
	}

	client, ok := r.clients[transport]
	if !ok {
		return Fatal(fmt.Errorf("unknown transport %q", transport))
	}

	return client.Send(ctx, address, payload)
}
