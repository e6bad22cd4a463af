package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/schema"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})

	require.NoError(t, r.Allow("http/get"))
	assert.Equal(t, BreakerClosed, r.State("http/get"))

	r.RecordFailure("http/get")
	r.RecordFailure("http/get")
	require.NoError(t, r.Allow("http/get"), "still closed below threshold")

	state := r.RecordFailure("http/get")
	assert.Equal(t, BreakerOpen, state)

	err := r.Allow("http/get")
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, lerr.Code)
}

func TestBreaker_SuccessResets(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})

	r.RecordFailure("a")
	r.RecordFailure("a")
	r.RecordSuccess("a")
	r.RecordFailure("a")
	r.RecordFailure("a")
	require.NoError(t, r.Allow("a"), "success resets the consecutive count")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	r.RecordFailure("a")
	require.Error(t, r.Allow("a"))

	time.Sleep(15 * time.Millisecond)

	require.NoError(t, r.Allow("a"), "cooldown elapsed, probe allowed")
	require.Error(t, r.Allow("a"), "only one probe while half-open")

	r.RecordSuccess("a")
	assert.Equal(t, BreakerClosed, r.State("a"))
	require.NoError(t, r.Allow("a"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	r.RecordFailure("a")
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, r.Allow("a"))

	state := r.RecordFailure("a")
	assert.Equal(t, BreakerOpen, state)
	require.Error(t, r.Allow("a"))
}

func TestBreaker_IsolatedPerAction(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})

	r.RecordFailure("flaky")
	require.Error(t, r.Allow("flaky"))
	require.NoError(t, r.Allow("healthy"))
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}
