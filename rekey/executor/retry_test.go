package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base, limit := 10*time.Millisecond, 100*time.Millisecond
	tests := []struct {
		attempt int
		min     time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{5, 100 * time.Millisecond},
		{12, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := backoff(base, limit, tt.attempt)
			assert.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
			assert.Less(t, d, tt.min+tt.min/2+1, "attempt %d", tt.attempt)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 1, o.Workers)
	assert.Equal(t, 3, o.MaxAttempts)
	assert.Positive(t, o.Backoff)
	assert.GreaterOrEqual(t, o.MaxBackoff, o.Backoff)
}
