package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2)
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil", nil, 0, false},
		{"generic", errors.New("reset"), 0, true},
		{"exhausted", errors.New("reset"), 2, false},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), 0, false},
		{"not found", &FetchError{URL: "u", StatusCode: 404}, 0, false},
		{"too many requests", &FetchError{URL: "u", StatusCode: 429}, 0, true},
		{"server error", &FetchError{URL: "u", StatusCode: 503}, 1, true},
		{"net timeout", timeoutErr{timeout: true}, 0, true},
		{"net refused", timeoutErr{timeout: false}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3)
	for attempt := range 10 {
		full := min(500*time.Millisecond<<attempt, 10*time.Second)
		got := p.Backoff(attempt)
		assert.GreaterOrEqual(t, got, full/2)
		assert.LessOrEqual(t, got, full)
	}
	assert.False(t, NewExponentialRetryPolicy(-1).ShouldRetry(errors.New("x"), 0))
}
