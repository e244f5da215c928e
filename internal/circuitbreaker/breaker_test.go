package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	b := New(threshold, cooldown)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b.now = c.now
	return b, c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	assert.True(t, b.Allow("transfer"))

	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.Equal(t, StateOpen, b.State("transfer"))
	assert.Equal(t, []string{"transfer"}, b.OpenKeys())

	assert.True(t, b.Allow("refund"), "circuits are independent per operation")
}

func TestBreaker_HalfOpenTrialCall(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")

	clk.t = clk.t.Add(61 * time.Second)
	assert.True(t, b.Allow("transfer"))
	assert.Equal(t, StateHalfOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"), "only one trial call while half-open")

	b.RecordSuccess("transfer")
	assert.Equal(t, StateClosed, b.State("transfer"))
	assert.True(t, b.Allow("transfer"))
}

func TestBreaker_FailedTrialCallReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure("refund")
	clk.t = clk.t.Add(2 * time.Minute)
	assert.True(t, b.Allow("refund"))

	b.RecordFailure("refund")
	assert.Equal(t, StateOpen, b.State("refund"))
	assert.False(t, b.Allow("refund"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	unavailable := errors.New("503")
	declined := errors.New("declined")
	onlyUnavailable := func(err error) bool { return errors.Is(err, unavailable) }

	// Business errors do not trip the circuit.
	for i := 0; i < 5; i++ {
		err := b.Do("transfer", onlyUnavailable, func() error { return declined })
		assert.ErrorIs(t, err, declined)
	}
	assert.Equal(t, StateClosed, b.State("transfer"))

	_ = b.Do("transfer", onlyUnavailable, func() error { return unavailable })
	_ = b.Do("transfer", onlyUnavailable, func() error { return unavailable })

	called := false
	err := b.Do("transfer", onlyUnavailable, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
