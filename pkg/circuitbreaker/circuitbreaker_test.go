package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	var transitions []float64
	cb := NewCircuitBreaker(Settings{
		Name:                "upstream",
		Timeout:             time.Hour,
		ConsecutiveFailures: 2,
		OnStateChange:       func(_ string, s float64) { transitions = append(transitions, s) },
	})

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, "open", cb.State())
	assert.Equal(t, []float64{2}, transitions)
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errClient := errors.New("client error")
	cb := NewCircuitBreaker(Settings{
		Name:                "upstream",
		ConsecutiveFailures: 1,
		IsFailure:           func(err error) bool { return !errors.Is(err, errClient) },
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errClient }), errClient)
	}
	assert.Equal(t, "closed", cb.State())
}
