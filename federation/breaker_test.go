package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Now()
	b := newBreaker(3, time.Minute)
	b.now = func() time.Time { return now }

	for range 2 {
		b.recordFailure("a.example")
		require.NoError(t, b.allow("a.example"))
	}
	b.recordFailure("a.example")
	assert.ErrorIs(t, b.allow("a.example"), ErrCircuitOpen)
	assert.NoError(t, b.allow("b.example"), "other hosts are unaffected")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := newBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.recordFailure("a.example")
	assert.ErrorIs(t, b.allow("a.example"), ErrCircuitOpen)

	now = now.Add(time.Minute)
	assert.NoError(t, b.allow("a.example"), "first call after cooldown probes")
	assert.ErrorIs(t, b.allow("a.example"), ErrCircuitOpen, "only one probe at a time")

	b.recordFailure("a.example")
	assert.ErrorIs(t, b.allow("a.example"), ErrCircuitOpen, "failed probe reopens")

	now = now.Add(time.Minute)
	require.NoError(t, b.allow("a.example"))
	b.recordSuccess("a.example")
	assert.NoError(t, b.allow("a.example"))
	assert.NoError(t, b.allow("a.example"))
}

func TestBreakerDisabled(t *testing.T) {
	b := newBreaker(0, time.Minute)
	for range 10 {
		b.recordFailure("a.example")
	}
	assert.NoError(t, b.allow("a.example"))
}
