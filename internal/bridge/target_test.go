package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTargetAge(t *testing.T) {
	var nilTarget *Target
	assert.Zero(t, nilTarget.Age())
	assert.Zero(t, (&Target{}).Age())

	aged := &Target{EstablishedAt: time.Now().Add(-time.Minute)}
	assert.InDelta(t, time.Minute, aged.Age(), float64(time.Second))
}

func TestTargetSame(t *testing.T) {
	a := &Target{URL: "ws://one/"}
	b := &Target{URL: "ws://one/", DisplayName: "different label"}
	c := &Target{URL: "ws://two/"}

	assert.True(t, a.Same(b), "identity is the endpoint, not the metadata")
	assert.False(t, a.Same(c))
	assert.False(t, a.Same(nil))

	var nilTarget *Target
	assert.False(t, nilTarget.Same(a))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "reconnect-scheduled", StateReconnectScheduled.String())
}

func TestOriginStrings(t *testing.T) {
	assert.Equal(t, "manual", OriginManual.String())
	assert.Equal(t, "automatic", OriginAutomatic.String())
	assert.Equal(t, "event-driven", OriginEventDriven.String())
}
