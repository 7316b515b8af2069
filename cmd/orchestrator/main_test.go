package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/lab-platform/internal/cli"
	"github.com/nerrad567/lab-platform/internal/plugin"
	ndiplugin "github.com/nerrad567/lab-platform/internal/plugin/ndi"
	projectorplugin "github.com/nerrad567/lab-platform/internal/plugin/projector"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// testConfig writes a config whose plugins_dir holds both built-in plugins
// and one manifest with no factory behind it.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	pluginsDir := filepath.Join(dir, "plugins")

	writeFile(t, filepath.Join(pluginsDir, "ndi", "manifest.yaml"), `
name: ndi
version: 1.0.0
entry_point: "`+ndiplugin.EntryPoint+`"
api_endpoints:
  - "GET /devices"
  - "POST /devices/{device_id}/start"
`)
	writeFile(t, filepath.Join(pluginsDir, "projector", "manifest.yaml"), `
name: projector
version: 1.1.0
entry_point: "`+projectorplugin.EntryPoint+`"
`)
	writeFile(t, filepath.Join(pluginsDir, "custom", "manifest.yaml"), `
name: custom
version: 0.1.0
entry_point: "custom_plugin:CustomPlugin"
`)

	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, `
lab:
  id: test-lab
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
orchestrator:
  plugins_dir: "`+pluginsDir+`"
logging:
  level: error
  format: text
`)
	return configPath
}

func TestRoot_PrintsHelp(t *testing.T) {
	out, err := execute(t)
	if err != nil {
		t.Fatalf("root command error = %v", err)
	}
	for _, sub := range []string{"run", "plugins", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help should list %q:\n%s", sub, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "orchestrator dev") {
		t.Errorf("version output = %q", out)
	}
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(cli.ConfigEnv, "/nonexistent/path/config.yaml")

	_, err := execute(t, "run")
	if err == nil {
		t.Fatal("run should fail with invalid config path")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want a not-exist error", err)
	}
}

func TestRun_InvalidConfigValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "orchestrator:\n  request_timeout: 0s\n")

	_, err := execute(t, "--config", path, "run")
	if err == nil || !strings.Contains(err.Error(), "request_timeout") {
		t.Fatalf("error = %v, want request_timeout validation failure", err)
	}
}

func TestPluginsList_Table(t *testing.T) {
	out, err := execute(t, "--config", testConfig(t), "plugins", "list")
	if err != nil {
		t.Fatalf("plugins list error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("want header and 3 rows, got:\n%s", out)
	}
	// Directories are read in lexical order.
	custom := strings.Fields(lines[1])
	if custom[0] != "custom" || custom[3] != "no" {
		t.Errorf("custom row = %q", lines[1])
	}
	ndi := strings.Fields(lines[2])
	if ndi[0] != "ndi" || ndi[2] != ndiplugin.EntryPoint || ndi[3] != "yes" {
		t.Errorf("ndi row = %q", lines[2])
	}
}

func TestPluginsList_JSON(t *testing.T) {
	out, err := execute(t, "--config", testConfig(t), "plugins", "list", "-o", "json")
	if err != nil {
		t.Fatalf("plugins list error = %v", err)
	}

	var rows []cli.ExtensionSummary
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d plugins", len(rows))
	}
	ndi := rows[1]
	if ndi.Name != "ndi" || ndi.Kind != "plugin" || !ndi.Registered {
		t.Errorf("ndi = %+v", ndi)
	}
	if len(ndi.Endpoints) != 2 {
		t.Errorf("ndi endpoints = %v", ndi.Endpoints)
	}
}

func TestPluginsList_BadOutput(t *testing.T) {
	if _, err := execute(t, "--config", testConfig(t), "plugins", "list", "-o", "yaml"); err == nil {
		t.Fatal("expected error for unknown output format")
	}
}

type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

// TestHealthCheck_NilInfluxClient verifies healthCheck skips disabled telemetry.
func TestHealthCheck_NilInfluxClient(t *testing.T) {
	ctx := context.Background()
	if err := healthCheck(ctx, fakeChecker{}, nil, fakeChecker{}); err != nil {
		t.Fatalf("healthCheck() error = %v", err)
	}

	down := errors.New("down")
	err := healthCheck(ctx, fakeChecker{err: down}, nil, fakeChecker{})
	if !errors.Is(err, down) || !strings.HasPrefix(err.Error(), "mqtt:") {
		t.Errorf("mqtt failure = %v", err)
	}
	err = healthCheck(ctx, fakeChecker{}, nil, fakeChecker{err: down})
	if !errors.Is(err, down) || !strings.HasPrefix(err.Error(), "api:") {
		t.Errorf("api failure = %v", err)
	}
}

func TestPluginFactories(t *testing.T) {
	got := pluginFactories(plugin.Host{}).EntryPoints()
	want := map[string]bool{ndiplugin.EntryPoint: true, projectorplugin.EntryPoint: true}
	if len(got) != len(want) {
		t.Fatalf("EntryPoints() = %v", got)
	}
	for _, ep := range got {
		if !want[ep] {
			t.Errorf("unexpected entry point %q", ep)
		}
	}
}
