package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformerrors "tts-gateway/internal/platform/errors"
)

func newTestRegistry(threshold int, reset time.Duration, trials int) *Registry {
	return NewRegistry(Config{
		FailureThreshold:  threshold,
		ResetTimeout:      reset,
		HalfOpenMaxTrials: trials,
	})
}

func TestRegistry_ClosedAllowsPermits(t *testing.T) {
	r := newTestRegistry(3, time.Minute, 1)

	lease, err := r.Permit("p")

	require.NoError(t, err)
	require.NotNil(t, lease)
	lease.Success()
	assert.Equal(t, StateClosed, r.State("p"))
}

func TestRegistry_OpensAfterThresholdFailures(t *testing.T) {
	r := newTestRegistry(3, time.Minute, 1)

	for i := 0; i < 3; i++ {
		lease, err := r.Permit("p")
		require.NoError(t, err)
		lease.Failure()
	}

	assert.Equal(t, StateOpen, r.State("p"))

	_, err := r.Permit("p")
	require.Error(t, err)
	assert.True(t, platformerrors.IsKind(err, platformerrors.KindBreakerOpen))
}

func TestRegistry_SuccessResetsFailureCount(t *testing.T) {
	r := newTestRegistry(3, time.Minute, 1)

	for i := 0; i < 2; i++ {
		lease, _ := r.Permit("p")
		lease.Failure()
	}
	lease, _ := r.Permit("p")
	lease.Success()
	for i := 0; i < 2; i++ {
		lease, _ := r.Permit("p")
		lease.Failure()
	}

	assert.Equal(t, StateClosed, r.State("p"))
}

func TestRegistry_HalfOpenAfterResetTimeout(t *testing.T) {
	r := newTestRegistry(1, time.Minute, 1)
	now := time.Now()
	r.now = func() time.Time { return now }

	lease, _ := r.Permit("p")
	lease.Failure()
	require.Equal(t, StateOpen, r.State("p"))

	// Still inside the reset window.
	_, err := r.Permit("p")
	assert.Error(t, err)

	now = now.Add(61 * time.Second)
	trial, err := r.Permit("p")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, r.State("p"))

	trial.Success()
	assert.Equal(t, StateClosed, r.State("p"))
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r := newTestRegistry(1, time.Minute, 1)
	now := time.Now()
	r.now = func() time.Time { return now }

	lease, _ := r.Permit("p")
	lease.Failure()

	now = now.Add(2 * time.Minute)
	trial, err := r.Permit("p")
	require.NoError(t, err)
	trial.Failure()

	assert.Equal(t, StateOpen, r.State("p"))

	// The open timer restarted on the trial failure.
	now = now.Add(30 * time.Second)
	_, err = r.Permit("p")
	assert.Error(t, err)
}

func TestRegistry_HalfOpenTrialLimit(t *testing.T) {
	r := newTestRegistry(1, time.Minute, 1)
	now := time.Now()
	r.now = func() time.Time { return now }

	lease, _ := r.Permit("p")
	lease.Failure()
	now = now.Add(2 * time.Minute)

	trial, err := r.Permit("p")
	require.NoError(t, err)

	// A second concurrent trial is denied while the first is in flight.
	_, err = r.Permit("p")
	assert.Error(t, err)

	trial.Success()
}

func TestLease_ResolvedOnce(t *testing.T) {
	r := newTestRegistry(1, time.Minute, 1)

	lease, _ := r.Permit("p")
	lease.Failure()
	// The duplicate resolution is a no-op; the state machine saw exactly one
	// failure and one open transition.
	lease.Success()

	assert.Equal(t, StateOpen, r.State("p"))
}

func TestRegistry_ProvidersAreIndependent(t *testing.T) {
	r := newTestRegistry(1, time.Minute, 1)

	lease, _ := r.Permit("a")
	lease.Failure()

	require.Equal(t, StateOpen, r.State("a"))
	_, err := r.Permit("b")
	assert.NoError(t, err)
}

func TestRegistry_StateChangeCallback(t *testing.T) {
	var changes []string
	r := NewRegistry(Config{
		FailureThreshold:  1,
		ResetTimeout:      time.Minute,
		HalfOpenMaxTrials: 1,
		OnStateChange: func(providerID string, from, to State) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})

	lease, _ := r.Permit("p")
	lease.Failure()

	require.Len(t, changes, 1)
	assert.Equal(t, "closed->open", changes[0])
}
