// Package ndi is the device-side NDI module. It runs an NDI viewer and an
// optional recorder as child processes built from command templates in the
// module config.
package ndi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/process"
)

// EntryPoint is the manifest entry_point this module registers under.
const EntryPoint = "ndi_module:NDIModule"

// Module states reported by status.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// DefaultStopGrace is how long a child gets to exit before SIGKILL.
const DefaultStopGrace = 2 * time.Second

var secretParams = map[string]bool{"password": true, "token": true}

type settings struct {
	startTemplate   string
	recordTemplate  string
	setInputRestart bool
	ndiPath         string
	env             []string
	stopGrace       time.Duration
	recordingsDir   string
	restartViewer   bool
}

func loadSettings(cfg extension.Config) settings {
	s := settings{
		startTemplate:   cfg.String("start_cmd_template", ""),
		recordTemplate:  cfg.String("record_start_cmd_template", ""),
		setInputRestart: cfg.Bool("set_input_restart", true),
		ndiPath:         cfg.String("ndi_path", ""),
		stopGrace:       cfg.Duration("stop_grace", DefaultStopGrace),
		recordingsDir:   cfg.String("recordings_dir", os.TempDir()),
		restartViewer:   cfg.Bool("restart_on_failure", false),
	}
	if s.ndiPath != "" {
		s.env = append(s.env, "NDI_PATH="+s.ndiPath)
	}
	if extra, ok := cfg["ndi_env"].(map[string]any); ok {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.env = append(s.env, fmt.Sprintf("%s=%v", k, extra[k]))
		}
	}
	return s
}

// child is one running viewer or recorder.
type child struct {
	mgr     *process.Manager
	source  string
	output  string
	started time.Time
}

func (c *child) status() string {
	if c == nil {
		return string(process.StatusStopped)
	}
	return string(c.mgr.Status())
}

// Module drives the NDI tools on one device.
//
// Thread Safety: commands are serialised by mu; stopping a child may block
// for up to stop_grace while holding it.
type Module struct {
	deviceID string
	cfg      settings
	logger   extension.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	viewer   *child
	recorder *child
	input    string
	booted   time.Time
}

// New creates an idle module.
func New(fc extension.FactoryContext) (*Module, error) {
	logger := fc.Logger
	if logger == nil {
		logger = extension.NoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Module{
		deviceID: fc.DeviceID,
		cfg:      loadSettings(fc.Config),
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.booted = m.now()
	if m.cfg.startTemplate == "" {
		logger.Warn("start_cmd_template not set; start will fail", "device_id", fc.DeviceID)
	}
	return m, nil
}

// Factory adapts New to extension.Factory.
func Factory(fc extension.FactoryContext) (extension.Extension, error) {
	return New(fc)
}

// HandleCommand implements extension.Extension.
func (m *Module) HandleCommand(_ context.Context, action string, params envelope.Params) (extension.Result, error) {
	m.logger.Info("handle command", "action", action, "params", redact(params))

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		data map[string]any
		err  error
	)
	switch action {
	case "status":
		data = m.status()
	case "start":
		data, err = m.start(params)
	case "stop":
		data = m.stop()
	case "restart":
		data, err = m.restart(params)
	case "set_input":
		data, err = m.setInput(params)
	case "record_start":
		data, err = m.recordStart(params)
	case "record_stop":
		data = m.recordStop()
	case "list_processes":
		data = m.listProcesses()
	default:
		return extension.Result{}, extension.UnknownAction(action)
	}
	if err != nil {
		m.logger.Error("command failed", "action", action, "error", err)
		return extension.Result{}, err
	}
	return extension.Result{Data: data}, nil
}

// Shutdown stops the recorder (SIGINT, so it can finalise the file) and
// then the viewer.
func (m *Module) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.recorder != nil {
		m.logger.Info("shutdown: stopping recorder", "pid", m.recorder.mgr.PID())
		errs = append(errs, m.recorder.mgr.Stop())
		m.recorder = nil
	}
	if m.viewer != nil {
		m.logger.Info("shutdown: stopping viewer", "pid", m.viewer.mgr.PID())
		errs = append(errs, m.viewer.mgr.Stop())
		m.viewer = nil
	}
	m.input = ""
	m.cancel()
	return errors.Join(errs...)
}

func (m *Module) state() string {
	if m.viewer != nil {
		return StateRunning
	}
	return StateIdle
}

func (m *Module) status() map[string]any {
	var viewerPID, recordPID any
	if m.viewer != nil {
		viewerPID = m.viewer.mgr.PID()
	}
	if m.recorder != nil {
		recordPID = m.recorder.mgr.PID()
	}
	var input any
	if m.input != "" {
		input = m.input
	}
	var ndiPath any
	if m.cfg.ndiPath != "" {
		ndiPath = m.cfg.ndiPath
	}
	return map[string]any{
		"state":          m.state(),
		"viewer_running": m.viewer != nil && m.viewer.mgr.IsRunning(),
		"recording":      m.recorder != nil,
		"current_input":  input,
		"viewer_pid":     viewerPID,
		"record_pid":     recordPID,
		"uptime":         m.now().Sub(m.booted).Seconds(),
		"config": map[string]any{
			"set_input_restart": m.cfg.setInputRestart,
			"ndi_path":          ndiPath,
		},
	}
}

func sourceParam(params envelope.Params, def string) (string, error) {
	src, err := params.String("source", def)
	if err != nil {
		return "", err
	}
	if src == "" {
		return "", errors.New("missing source")
	}
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("invalid source: %s", src)
	}
	return src, nil
}

func (m *Module) start(params envelope.Params) (map[string]any, error) {
	src, err := sourceParam(params, "")
	if err != nil {
		return nil, err
	}

	if m.viewer != nil && m.viewer.mgr.IsRunning() && m.input == src {
		m.logger.Info("start: viewer already running", "source", src)
		return map[string]any{"pid": m.viewer.mgr.PID(), "input": src, "already_running": true}, nil
	}
	m.stopViewer()

	if err := m.spawnViewer(src); err != nil {
		return nil, err
	}
	return map[string]any{"pid": m.viewer.mgr.PID(), "input": src, "started": true}, nil
}

func (m *Module) stop() map[string]any {
	if m.viewer == nil {
		return map[string]any{"already_stopped": true}
	}
	pid := m.stopViewer()
	m.input = ""
	return map[string]any{"stopped_pid": pid}
}

func (m *Module) restart(params envelope.Params) (map[string]any, error) {
	src, err := params.String("source", "")
	if err != nil {
		return nil, err
	}
	if src == "" {
		src = m.input
	}
	if src == "" {
		return nil, errors.New("no source to restart with")
	}
	m.stopViewer()
	return m.start(envelope.Params{"source": envelope.String(src)})
}

func (m *Module) setInput(params envelope.Params) (map[string]any, error) {
	src, err := sourceParam(params, "")
	if err != nil {
		return nil, err
	}
	m.logger.Info("set_input", "source", src, "restart", m.cfg.setInputRestart)
	m.input = src

	if m.cfg.setInputRestart {
		m.stopViewer()
		if err := m.spawnViewer(src); err != nil {
			return nil, err
		}
	}

	var pid any
	if m.viewer != nil {
		pid = m.viewer.mgr.PID()
	}
	return map[string]any{"input": src, "pid": pid, "restarted": m.cfg.setInputRestart}, nil
}

func (m *Module) recordStart(params envelope.Params) (map[string]any, error) {
	src, err := params.String("source", m.input)
	if err != nil {
		return nil, err
	}
	if src == "" {
		return nil, errors.New("no source to record")
	}
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("invalid source: %s", src)
	}

	if m.recorder != nil && m.recorder.mgr.IsRunning() {
		return map[string]any{"recording": true, "record_pid": m.recorder.mgr.PID(), "already_recording": true}, nil
	}
	if m.cfg.recordTemplate == "" {
		return nil, errors.New("record_start_cmd_template not set")
	}

	def := filepath.Join(m.cfg.recordingsDir, fmt.Sprintf("recording_%s_%d.mp4", m.deviceID, m.now().Unix()))
	output, err := params.String("output_path", def)
	if err != nil {
		return nil, err
	}

	c, err := m.spawn("recorder", m.cfg.recordTemplate, syscall.SIGINT, false, map[string]string{
		"source":      src,
		"device_id":   m.deviceID,
		"output_path": output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}
	c.source, c.output = src, output
	m.recorder = c
	m.logger.Info("recorder started", "pid", c.mgr.PID(), "output_path", output)
	return map[string]any{"recording": true, "record_pid": c.mgr.PID(), "output_path": output}, nil
}

func (m *Module) recordStop() map[string]any {
	if m.recorder == nil {
		return map[string]any{"recording": false, "already_stopped": true}
	}
	rec := m.recorder
	m.recorder = nil
	duration := m.now().Sub(rec.started).Seconds()
	if err := rec.mgr.Stop(); err != nil {
		m.logger.Warn("record_stop: stopping recorder", "error", err)
	}
	m.logger.Info("recorder stopped", "duration_s", duration, "output_path", rec.output)
	return map[string]any{
		"recording":   false,
		"stopped_pid": rec.mgr.PID(),
		"duration":    duration,
		"output_path": rec.output,
	}
}

func (m *Module) listProcesses() map[string]any {
	procs := map[string]any{}
	if m.viewer != nil {
		procs["viewer"] = map[string]any{
			"pid":    m.viewer.mgr.PID(),
			"status": m.viewer.status(),
			"source": m.viewer.source,
		}
	}
	if m.recorder != nil {
		procs["recorder"] = map[string]any{
			"pid":    m.recorder.mgr.PID(),
			"status": m.recorder.status(),
			"source": m.recorder.source,
			"output": m.recorder.output,
		}
	}
	return map[string]any{"processes": procs}
}

// spawnViewer starts the viewer for src. Callers stop any previous viewer.
func (m *Module) spawnViewer(src string) error {
	if m.cfg.startTemplate == "" {
		return errors.New("start_cmd_template not set")
	}
	c, err := m.spawn("viewer", m.cfg.startTemplate, syscall.SIGTERM, m.cfg.restartViewer, map[string]string{
		"source":    src,
		"device_id": m.deviceID,
	})
	if err != nil {
		return fmt.Errorf("failed to start viewer: %w", err)
	}
	c.source = src
	m.viewer = c
	m.input = src
	m.logger.Info("viewer started", "pid", c.mgr.PID(), "source", src)
	return nil
}

// stopViewer stops the viewer if there is one and returns its pid.
func (m *Module) stopViewer() int {
	if m.viewer == nil {
		return 0
	}
	pid := m.viewer.mgr.PID()
	if err := m.viewer.mgr.Stop(); err != nil {
		m.logger.Warn("stopping viewer", "pid", pid, "error", err)
	}
	m.viewer = nil
	return pid
}

func (m *Module) spawn(name, template string, stop syscall.Signal, restart bool, vars map[string]string) (*child, error) {
	cfg, err := process.FromTemplate(name+"-"+m.deviceID, template, vars)
	if err != nil {
		return nil, err
	}
	cfg.Env = m.cfg.env
	cfg.StopSignal = stop
	cfg.GracefulTimeout = m.cfg.stopGrace
	cfg.RestartOnFailure = restart

	mgr := process.NewManager(cfg)
	mgr.SetLogger(m.logger)
	if err := mgr.Start(m.ctx); err != nil {
		return nil, err
	}
	return &child{mgr: mgr, started: m.now()}, nil
}

// redact copies params for logging with secret values masked.
func redact(params envelope.Params) map[string]any {
	out := params.Any()
	for k := range out {
		if secretParams[strings.ToLower(k)] {
			out[k] = "***"
		}
	}
	return out
}
