package email

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDialerBoundedByContextDeadline(t *testing.T) {
	c := NewClient("smtp.example.com", 587, "user", "pass", "noreply@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	d := c.dialer(ctx)
	assert.LessOrEqual(t, d.Timeout, 3*time.Second)
	assert.Greater(t, d.Timeout, 2*time.Second)
}

func TestDialerKeepsDefaultWithoutDeadline(t *testing.T) {
	c := NewClient("smtp.example.com", 587, "user", "pass", "noreply@example.com")

	d := c.dialer(context.Background())
	assert.Positive(t, d.Timeout)
}

func TestDialerKeepsDefaultWhenDeadlineIsFarther(t *testing.T) {
	c := NewClient("smtp.example.com", 587, "user", "pass", "noreply@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	def := c.dialer(context.Background()).Timeout
	assert.Equal(t, def, c.dialer(ctx).Timeout)
}
