package ndi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
)

const (
	viewerTemplate   = `/bin/sh -c 'sleep 30' {source}`
	recorderTemplate = `/bin/sh -c 'trap "exit 0" INT; while :; do sleep 0.05; done' {output_path}`
)

func newModule(t *testing.T, cfg extension.Config) *Module {
	t.Helper()
	if cfg == nil {
		cfg = extension.Config{
			"start_cmd_template":        viewerTemplate,
			"record_start_cmd_template": recorderTemplate,
			"stop_grace":                "1s",
			"recordings_dir":            t.TempDir(),
		}
	}
	m, err := New(extension.FactoryContext{Name: "ndi", DeviceID: "ndi-01", Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func run(t *testing.T, m *Module, action string, params map[string]any) (map[string]any, error) {
	t.Helper()
	p, err := envelope.ParamsFromAny(params)
	require.NoError(t, err)
	res, err := m.HandleCommand(context.Background(), action, p)
	return res.Data, err
}

func mustRun(t *testing.T, m *Module, action string, params map[string]any) map[string]any {
	t.Helper()
	data, err := run(t, m, action, params)
	require.NoError(t, err)
	return data
}

func TestStartStop(t *testing.T) {
	m := newModule(t, nil)

	data := mustRun(t, m, "start", map[string]any{"source": "STUDIO (CAM 1)"})
	assert.Equal(t, true, data["started"])
	assert.Equal(t, "STUDIO (CAM 1)", data["input"])
	pid, ok := data["pid"].(int)
	require.True(t, ok)
	assert.NotZero(t, pid)

	status := mustRun(t, m, "status", nil)
	assert.Equal(t, StateRunning, status["state"])
	assert.Equal(t, true, status["viewer_running"])
	assert.Equal(t, "STUDIO (CAM 1)", status["current_input"])
	assert.Equal(t, pid, status["viewer_pid"])

	data = mustRun(t, m, "start", map[string]any{"source": "STUDIO (CAM 1)"})
	assert.Equal(t, true, data["already_running"])
	assert.Equal(t, pid, data["pid"])

	data = mustRun(t, m, "stop", nil)
	assert.Equal(t, pid, data["stopped_pid"])

	status = mustRun(t, m, "status", nil)
	assert.Equal(t, StateIdle, status["state"])
	assert.Nil(t, status["current_input"])
	assert.Nil(t, status["viewer_pid"])

	data = mustRun(t, m, "stop", nil)
	assert.Equal(t, true, data["already_stopped"])
}

func TestStartSwitchesSource(t *testing.T) {
	m := newModule(t, nil)

	first := mustRun(t, m, "start", map[string]any{"source": "CAM1"})["pid"]
	second := mustRun(t, m, "start", map[string]any{"source": "CAM2"})
	assert.Equal(t, true, second["started"])
	assert.NotEqual(t, first, second["pid"])
	assert.Equal(t, "CAM2", mustRun(t, m, "status", nil)["current_input"])
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     extension.Config
		params  map[string]any
		wantErr string
	}{
		{"missing source", nil, map[string]any{}, "missing source"},
		{"blank source", nil, map[string]any{"source": "  "}, "invalid source:   "},
		{"no template", extension.Config{}, map[string]any{"source": "CAM1"}, "start_cmd_template not set"},
		{"bad template", extension.Config{"start_cmd_template": `viewer "unterminated`}, map[string]any{"source": "CAM1"}, "failed to start viewer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModule(t, tt.cfg)
			_, err := run(t, m, "start", tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRestart(t *testing.T) {
	m := newModule(t, nil)

	_, err := run(t, m, "restart", nil)
	assert.EqualError(t, err, "no source to restart with")

	first := mustRun(t, m, "start", map[string]any{"source": "CAM1"})["pid"]
	data := mustRun(t, m, "restart", nil)
	assert.Equal(t, true, data["started"])
	assert.Equal(t, "CAM1", data["input"])
	assert.NotEqual(t, first, data["pid"])

	data = mustRun(t, m, "restart", map[string]any{"source": "CAM3"})
	assert.Equal(t, "CAM3", data["input"])
}

func TestSetInput(t *testing.T) {
	t.Run("restarts viewer", func(t *testing.T) {
		m := newModule(t, nil)
		data := mustRun(t, m, "set_input", map[string]any{"source": "CAM2"})
		assert.Equal(t, "CAM2", data["input"])
		assert.Equal(t, true, data["restarted"])
		assert.NotNil(t, data["pid"])
		assert.Equal(t, true, mustRun(t, m, "status", nil)["viewer_running"])
	})

	t.Run("remembers only", func(t *testing.T) {
		m := newModule(t, extension.Config{"start_cmd_template": viewerTemplate, "set_input_restart": false})
		data := mustRun(t, m, "set_input", map[string]any{"source": "CAM2"})
		assert.Equal(t, false, data["restarted"])
		assert.Nil(t, data["pid"])

		status := mustRun(t, m, "status", nil)
		assert.Equal(t, "CAM2", status["current_input"])
		assert.Equal(t, false, status["viewer_running"])

		// restart falls back to the remembered input
		assert.Equal(t, "CAM2", mustRun(t, m, "restart", nil)["input"])
	})

	t.Run("missing source", func(t *testing.T) {
		m := newModule(t, nil)
		_, err := run(t, m, "set_input", nil)
		assert.EqualError(t, err, "missing source")
	})
}

func TestRecording(t *testing.T) {
	m := newModule(t, nil)

	_, err := run(t, m, "record_start", nil)
	assert.EqualError(t, err, "no source to record")

	mustRun(t, m, "start", map[string]any{"source": "CAM1"})
	data := mustRun(t, m, "record_start", map[string]any{"output_path": "/tmp/take-1.mp4"})
	assert.Equal(t, true, data["recording"])
	assert.Equal(t, "/tmp/take-1.mp4", data["output_path"])
	recPID := data["record_pid"]
	assert.NotNil(t, recPID)

	data = mustRun(t, m, "record_start", nil)
	assert.Equal(t, true, data["already_recording"])
	assert.Equal(t, recPID, data["record_pid"])

	procs := mustRun(t, m, "list_processes", nil)["processes"].(map[string]any)
	require.Contains(t, procs, "viewer")
	require.Contains(t, procs, "recorder")
	rec := procs["recorder"].(map[string]any)
	assert.Equal(t, "CAM1", rec["source"])
	assert.Equal(t, "/tmp/take-1.mp4", rec["output"])
	assert.Equal(t, "running", rec["status"])

	// Let the shell install its INT trap.
	time.Sleep(200 * time.Millisecond)
	data = mustRun(t, m, "record_stop", nil)
	assert.Equal(t, false, data["recording"])
	assert.Equal(t, recPID, data["stopped_pid"])
	assert.Equal(t, "/tmp/take-1.mp4", data["output_path"])
	assert.IsType(t, float64(0), data["duration"])

	data = mustRun(t, m, "record_stop", nil)
	assert.Equal(t, true, data["already_stopped"])

	procs = mustRun(t, m, "list_processes", nil)["processes"].(map[string]any)
	assert.NotContains(t, procs, "recorder")
}

func TestRecordDefaultOutputPath(t *testing.T) {
	dir := t.TempDir()
	m := newModule(t, extension.Config{"record_start_cmd_template": recorderTemplate, "recordings_dir": dir})
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	data := mustRun(t, m, "record_start", map[string]any{"source": "CAM1"})
	assert.Equal(t, dir+"/recording_ndi-01_1700000000.mp4", data["output_path"])
}

func TestRecordWithoutTemplate(t *testing.T) {
	m := newModule(t, extension.Config{})
	_, err := run(t, m, "record_start", map[string]any{"source": "CAM1"})
	assert.EqualError(t, err, "record_start_cmd_template not set")
}

func TestUnknownAction(t *testing.T) {
	m := newModule(t, nil)
	_, err := run(t, m, "discover", nil)
	assert.ErrorIs(t, err, extension.ErrUnknownAction)
}

func TestShutdownStopsChildren(t *testing.T) {
	m := newModule(t, nil)
	mustRun(t, m, "start", map[string]any{"source": "CAM1"})
	mustRun(t, m, "record_start", nil)

	require.NoError(t, m.Shutdown(context.Background()))
	status := mustRun(t, m, "status", nil)
	assert.Equal(t, StateIdle, status["state"])
	assert.Equal(t, false, status["recording"])
}

func TestLoadSettings(t *testing.T) {
	s := loadSettings(extension.Config{
		"ndi_path": "/opt/ndi",
		"ndi_env":  map[string]any{"B_VAR": 2, "A_VAR": "x"},
	})
	assert.Equal(t, []string{"NDI_PATH=/opt/ndi", "A_VAR=x", "B_VAR=2"}, s.env)
	assert.True(t, s.setInputRestart)
	assert.Equal(t, DefaultStopGrace, s.stopGrace)
}

func TestRedact(t *testing.T) {
	p, err := envelope.ParamsFromAny(map[string]any{"source": "CAM1", "password": "hunter2", "Token": "abc"})
	require.NoError(t, err)
	out := redact(p)
	assert.Equal(t, "CAM1", out["source"])
	assert.Equal(t, "***", out["password"])
	assert.Equal(t, "***", out["Token"])
}
