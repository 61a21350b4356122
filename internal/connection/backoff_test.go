package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first retry waits base", time.Second, 30 * time.Second, 0, time.Second},
		{"doubles", time.Second, 30 * time.Second, 1, 2 * time.Second},
		{"doubles again", time.Second, 30 * time.Second, 4, 16 * time.Second},
		{"capped at max", time.Second, 30 * time.Second, 5, 30 * time.Second},
		{"large attempt does not overflow", time.Second, 30 * time.Second, 200, 30 * time.Second},
		{"negative attempt treated as zero", time.Second, 30 * time.Second, -1, time.Second},
		{"base above max", time.Minute, 30 * time.Second, 0, 30 * time.Second},
		{"zero base", 0, 30 * time.Second, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.base, tt.max, tt.attempt))
		})
	}
}
