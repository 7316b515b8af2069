package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/lab-platform/internal/envelope"
)

func TestHandleMeta_RegistersModules(t *testing.T) {
	reg, _, _ := testRegistry(t)

	err := reg.HandleMeta("/lab/device/ndi-01/meta",
		[]byte(`{"device_id":"ndi-01","modules":["ndi"],"versions":{"ndi":"1.2.0"},"status":"online","ts":"2026-03-01T12:00:00Z"}`))
	require.NoError(t, err)

	d, ok := reg.Get("ndi-01")
	require.True(t, ok)
	assert.Equal(t, []string{"ndi"}, d.Capabilities)
	assert.Equal(t, map[string]string{"ndi": "1.2.0"}, d.Versions)
	assert.True(t, d.Online)
}

func TestHandleMeta_WithoutModulesKeepsCapabilities(t *testing.T) {
	reg, clock, _ := testRegistry(t)
	reg.Register("d1", []string{"projector"})
	reg.MarkOffline("d1")

	require.NoError(t, reg.HandleMeta("/lab/device/d1/meta", []byte(`{"status":"online"}`)))

	d, _ := reg.Get("d1")
	assert.Equal(t, []string{"projector"}, d.Capabilities)
	assert.True(t, d.Online)
	assert.Equal(t, clock.Now(), d.LastSeen)
}

func TestHandleMeta_UnknownDeviceWithoutModules(t *testing.T) {
	reg, _, _ := testRegistry(t)
	require.NoError(t, reg.HandleMeta("/lab/device/d1/meta", []byte(`{}`)))

	d, ok := reg.Get("d1")
	require.True(t, ok)
	assert.Empty(t, d.Capabilities)
}

func TestHandleMeta_Offline(t *testing.T) {
	reg, _, _ := testRegistry(t)
	reg.Register("d1", []string{"ndi"})

	// Shape published by the broker as the agent's Last Will.
	lwt := `{"device_id":"d1","status":"offline","client_id":"labagent-d1","reason":"unexpected_disconnect","ts":"2026-03-01T12:00:00Z"}`
	require.NoError(t, reg.HandleMeta("/lab/device/d1/meta", []byte(lwt)))

	d, ok := reg.Get("d1")
	require.True(t, ok, "offline devices stay until expiry")
	assert.False(t, d.Online)
}

func TestHandleMeta_Errors(t *testing.T) {
	reg, _, _ := testRegistry(t)

	err := reg.HandleMeta("/lab/device/d1/ndi/evt", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrInvalidTopic))

	err = reg.HandleMeta("/lab/device/d1/meta", []byte(`not json`))
	assert.True(t, errors.Is(err, envelope.ErrMalformed))
	assert.Equal(t, 0, reg.Len())
}
