package eventstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeck/relaydeck/internal/codespace"
)

func TestDecodeFrameBlankLine(t *testing.T) {
	for _, line := range []string{"", "\n", "   ", "data:", "data:   "} {
		ev, err := DecodeFrame(line)
		assert.NoError(t, err, "line %q", line)
		assert.Nil(t, ev, "line %q", line)
	}
}

func TestDecodeFrameBareToken(t *testing.T) {
	ev, err := DecodeFrame("data: ping\n")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindHeartbeat, ev.Kind)
	assert.Nil(t, ev.Workspace)
}

func TestDecodeFrameQuotedToken(t *testing.T) {
	ev, err := DecodeFrame(`data: "connected"`)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindConnected, ev.Kind)
}

func TestDecodeFrameWithoutPrefix(t *testing.T) {
	// Some upstream proxies strip the prefix; the payload alone still decodes.
	ev, err := DecodeFrame("codespace_offline\n")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindWorkspaceOffline, ev.Kind)
}

func TestDecodeFrameStructuredOnline(t *testing.T) {
	line := `data: {"type":"codespace_online","data":{"id":42,"name":"glowing-disco","display_name":"Glowing Disco","owner":{"login":"octocat"},"state":"Available","last_used_at":"2026-08-30T12:00:00Z"}}`

	ev, err := DecodeFrame(line)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindWorkspaceOnline, ev.Kind)

	require.NotNil(t, ev.Workspace)
	assert.Equal(t, "glowing-disco", ev.Workspace.Name)
	assert.Equal(t, "Glowing Disco", ev.Workspace.DisplayName)
	assert.Equal(t, "octocat", ev.Workspace.Owner)
	assert.Equal(t, codespace.StateAvailable, ev.Workspace.State)
	assert.Equal(t, "42", ev.Workspace.ID)
}

func TestDecodeFrameStructuredWithoutData(t *testing.T) {
	ev, err := DecodeFrame(`data: {"type":"connected"}`)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindConnected, ev.Kind)
	assert.Nil(t, ev.Workspace)
}

func TestDecodeFrameUnknownTypeRejected(t *testing.T) {
	for _, line := range []string{
		"data: bogus",
		`data: "bogus"`,
		`data: {"type":"bogus"}`,
	} {
		ev, err := DecodeFrame(line)
		assert.Error(t, err, "line %q", line)
		assert.Nil(t, ev, "line %q", line)
	}
}

func TestDecodeFrameMalformedJSON(t *testing.T) {
	ev, err := DecodeFrame(`data: {"type":`)
	assert.Error(t, err)
	assert.Nil(t, ev)
}

func TestDecodeFrameWorkspaceMissingName(t *testing.T) {
	ev, err := DecodeFrame(`data: {"type":"codespace_online","data":{"state":"Available"}}`)
	assert.Error(t, err)
	assert.Nil(t, ev)
}

func TestDecodeFrameUnexpectedStateCoercedToUnknown(t *testing.T) {
	ev, err := DecodeFrame(`data: {"type":"codespace_updated","data":{"name":"glowing-disco","state":"Exploded"}}`)
	require.NoError(t, err)
	require.NotNil(t, ev.Workspace)
	assert.Equal(t, codespace.StateUnknown, ev.Workspace.State)
}
