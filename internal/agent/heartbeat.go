package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// DefaultHeartbeatInterval applies when HeartbeatConfig.Interval is zero.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatPublisher is the slice of the MQTT client the heartbeat uses.
type HeartbeatPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// ModuleLister reports the loaded modules.
type ModuleLister interface {
	Definitions() []*extension.Definition
}

// HeartbeatConfig holds configuration for the heartbeat.
type HeartbeatConfig struct {
	DeviceID string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher HeartbeatPublisher
	Modules   ModuleLister
}

// Heartbeat periodically announces the device and its modules on
// /lab/device/{device_id}/meta.
type Heartbeat struct {
	deviceID  string
	interval  time.Duration
	topic     string
	publisher HeartbeatPublisher
	modules   ModuleLister

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHeartbeat creates a heartbeat. Call Start to begin publishing.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		deviceID:  cfg.DeviceID,
		interval:  interval,
		topic:     mqtt.Topics{}.DeviceMeta(cfg.DeviceID),
		publisher: cfg.Publisher,
		modules:   cfg.Modules,
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this heartbeat.
func (h *Heartbeat) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start publishes immediately and then every interval until ctx is
// cancelled or Stop is called.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop ends the loop and waits for it. Safe to call multiple times.
// The offline announcement is left to the MQTT client's presence.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

// Run is Start plus waiting for ctx, for use in an errgroup.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.Start(ctx)
	select {
	case <-ctx.Done():
	case <-h.done:
	}
	h.Stop()
	return nil
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.publishLogged()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.publishLogged()
		}
	}
}

func (h *Heartbeat) publishLogged() {
	if err := h.PublishNow(); err != nil {
		h.loggerMu.RLock()
		logger := h.logger
		h.loggerMu.RUnlock()
		logger.Warn("heartbeat publish failed", "error", err)
	}
}

// PublishNow publishes one heartbeat. It is a no-op while disconnected;
// paho would only queue it.
func (h *Heartbeat) PublishNow() error {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(h.Message())
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, 1, false)
}

// Message builds the current heartbeat.
func (h *Heartbeat) Message() envelope.Heartbeat {
	hb := envelope.Heartbeat{
		DeviceID: h.deviceID,
		Status:   envelope.StatusOnline,
		Modules:  []string{},
		Versions: map[string]string{},
		TS:       envelope.Now(),
	}
	if h.modules != nil {
		for _, d := range h.modules.Definitions() {
			hb.Modules = append(hb.Modules, d.Name)
			hb.Versions[d.Name] = d.Version
		}
	}
	return hb
}
