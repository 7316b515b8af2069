// Package projector is the device-side projector module. It drives an
// RS-232 projector over a USB serial adapter.
package projector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
)

// EntryPoint is the manifest entry_point this module registers under.
const EntryPoint = "projector_module:ProjectorModule"

// Serial defaults.
const (
	DefaultBaudRate       = 9600
	DefaultReadTimeout    = time.Second
	DefaultResponseWindow = 2 * time.Second
	responsePollInterval  = 100 * time.Millisecond
	usbSerialPrefix       = "/dev/ttyUSB"
)

// Error texts returned to the orchestrator.
const (
	msgSerialNotAvailable = "Serial connection not available"
	msgInvalidInput       = "Invalid input source. Must be HDMI1 or HDMI2"
	msgInvalidRatio       = "Invalid aspect ratio. Must be 4:3 or 16:9"
	msgInvalidDirection   = "Invalid navigation direction"
	msgInvalidAdjustment  = "Invalid adjustment type"
	msgValueNotInteger    = "Adjustment value must be an integer"
	msgShiftRange         = "Image shift value must be between -100 and 100"
	msgKeystoneRange      = "Keystone value must be between -40 and 40"
	msgEmptyRaw           = "Raw command cannot be empty"
)

// Module states reported by status.
const (
	StateConnected = "connected"
	StateError     = "error"
	StateIdle      = "idle"
)

// Commands maps command keys to the ASCII frames the projector expects.
// Adjustment frames take the value as a format argument.
var Commands = map[string]string{
	"ON":  "~0000 1\r",
	"OFF": "~0000 0\r",

	"HDMI1": "~00305 1\r",
	"HDMI2": "~0012 15\r",

	"4:3":  "~0060 1\r",
	"16:9": "~0060 2\r",

	"UP":    "~00140 10\r",
	"LEFT":  "~00140 11\r",
	"ENTER": "~00140 12\r",
	"RIGHT": "~00140 13\r",
	"DOWN":  "~00140 14\r",
	"MENU":  "~00140 20\r",
	"BACK":  "~00140 74\r",

	"H-IMAGE-SHIFT": "~0063 %d\r",
	"V-IMAGE-SHIFT": "~0064 %d\r",
	"H-KEYSTONE":    "~0065 %d\r",
	"V-KEYSTONE":    "~0066 %d\r",
}

// adjustLimits is the symmetric range per adjustment.
var adjustLimits = map[string]int64{
	"H-IMAGE-SHIFT": 100,
	"V-IMAGE-SHIFT": 100,
	"H-KEYSTONE":    40,
	"V-KEYSTONE":    40,
}

var directions = []string{"UP", "DOWN", "LEFT", "RIGHT", "ENTER", "MENU", "BACK"}

// Port is the part of a serial port the module uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a serial port at 8N1 with the given baud rate.
type Opener func(name string, baud int) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// FindUSBSerial returns the first /dev/ttyUSB* port.
func FindUSBSerial(list func() ([]string, error)) (string, error) {
	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("listing serial ports: %w", err)
	}
	var usb []string
	for _, p := range ports {
		if strings.HasPrefix(p, usbSerialPrefix) {
			usb = append(usb, p)
		}
	}
	if len(usb) == 0 {
		return "", errors.New("no USB serial device found")
	}
	sort.Strings(usb)
	return usb[0], nil
}

// Options overrides the hardware hooks; tests use it to inject a fake port.
type Options struct {
	Open      Opener
	ListPorts func() ([]string, error)
}

// Module controls one projector.
//
// Thread Safety: all port access is serialised by mu.
type Module struct {
	deviceID       string
	portName       string
	autoDiscover   bool
	baud           int
	readTimeout    time.Duration
	responseWindow time.Duration
	open           Opener
	listPorts      func() ([]string, error)
	logger         extension.Logger

	mu           sync.Mutex
	port         Port
	connectedTo  string
	lastErr      error
	powerState   string
	currentInput string
	aspectRatio  string
}

// New creates the module and tries to open the port. A port that cannot
// be opened is not fatal: the module loads in the error state and retries
// on the next command.
func New(fc extension.FactoryContext, opts Options) (*Module, error) {
	logger := fc.Logger
	if logger == nil {
		logger = extension.NoopLogger()
	}
	m := &Module{
		deviceID:       fc.DeviceID,
		portName:       fc.Config.String("serial_port", ""),
		autoDiscover:   fc.Config.Bool("auto_discover_port", true),
		baud:           fc.Config.Int("baudrate", DefaultBaudRate),
		readTimeout:    fc.Config.Duration("timeout", DefaultReadTimeout),
		responseWindow: fc.Config.Duration("response_timeout", DefaultResponseWindow),
		open:           opts.Open,
		listPorts:      opts.ListPorts,
		logger:         logger,
	}
	if m.open == nil {
		m.open = OpenSerial
	}
	if m.listPorts == nil {
		m.listPorts = serial.GetPortsList
	}

	m.mu.Lock()
	if err := m.connect(); err != nil {
		logger.Error("serial connection failed", "device_id", m.deviceID, "error", err)
	}
	m.mu.Unlock()
	return m, nil
}

// Factory constructs the module against real serial hardware.
func Factory(fc extension.FactoryContext) (extension.Extension, error) {
	return New(fc, Options{})
}

// connect opens the configured or discovered port. Callers hold mu.
func (m *Module) connect() error {
	name := m.portName
	if name == "" {
		if !m.autoDiscover {
			m.lastErr = errors.New("no serial port specified and auto-discovery disabled")
			return m.lastErr
		}
		found, err := FindUSBSerial(m.listPorts)
		if err != nil {
			m.lastErr = err
			return err
		}
		name = found
	}

	port, err := m.open(name, m.baud)
	if err != nil {
		m.lastErr = fmt.Errorf("opening %s: %w", name, err)
		return m.lastErr
	}
	if err := port.SetReadTimeout(m.readTimeout); err != nil {
		_ = port.Close()
		m.lastErr = fmt.Errorf("setting read timeout on %s: %w", name, err)
		return m.lastErr
	}
	m.port = port
	m.connectedTo = name
	m.lastErr = nil
	m.logger.Info("serial connection established", "port", name, "baudrate", m.baud)
	return nil
}

// HandleCommand implements extension.Extension.
func (m *Module) HandleCommand(_ context.Context, action string, params envelope.Params) (extension.Result, error) {
	m.logger.Info("handle command", "action", action, "params", logging.RedactParams(params.Any()))

	m.mu.Lock()
	defer m.mu.Unlock()

	if action == "status" {
		return extension.Result{Data: m.status()}, nil
	}
	if m.port == nil {
		if err := m.connect(); err != nil {
			return extension.Result{}, errors.New(msgSerialNotAvailable)
		}
	}

	var (
		data map[string]any
		err  error
	)
	switch action {
	case "power_on":
		data, err = m.power("ON", "on")
	case "power_off":
		data, err = m.power("OFF", "off")
	case "set_input":
		data, err = m.setInput(params)
	case "set_aspect_ratio":
		data, err = m.setAspectRatio(params)
	case "navigate":
		data, err = m.navigate(params)
	case "adjust_image":
		data, err = m.adjustImage(params)
	case "send_raw_command":
		data, err = m.sendRaw(params)
	default:
		return extension.Result{}, extension.UnknownAction(action)
	}
	if err != nil {
		return extension.Result{}, err
	}
	return extension.Result{Data: data}, nil
}

// Shutdown closes the serial port.
func (m *Module) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	m.logger.Info("serial connection closed", "port", m.connectedTo)
	return err
}

func (m *Module) status() map[string]any {
	state := StateIdle
	switch {
	case m.port != nil:
		state = StateConnected
	case m.lastErr != nil:
		state = StateError
	}
	out := map[string]any{
		"state":         state,
		"connected":     m.port != nil,
		"serial_port":   m.connectedTo,
		"baudrate":      m.baud,
		"power_state":   m.powerState,
		"current_input": m.currentInput,
		"aspect_ratio":  m.aspectRatio,
	}
	if m.lastErr != nil {
		out["error"] = m.lastErr.Error()
	}
	return out
}

// send writes one frame. A write error drops the port so the next command
// reconnects.
func (m *Module) send(frame string) error {
	if _, err := m.port.Write([]byte(frame)); err != nil {
		m.logger.Error("serial write failed", "command", strings.TrimSpace(frame), "error", err)
		_ = m.port.Close()
		m.port = nil
		m.lastErr = err
		return err
	}
	m.logger.Info("sent command", "command", strings.TrimSpace(frame))
	return nil
}

// sendFailed is the error returned when a frame could not be written.
func sendFailed(what string) error {
	return errors.New("Failed to " + what)
}

func (m *Module) power(key, state string) (map[string]any, error) {
	if err := m.send(Commands[key]); err != nil {
		return nil, sendFailed(fmt.Sprintf("send power %s command", state))
	}
	m.powerState = state
	return map[string]any{"power_state": state}, nil
}

func (m *Module) setInput(params envelope.Params) (map[string]any, error) {
	input, _ := params.String("input", "")
	if input != "HDMI1" && input != "HDMI2" {
		return nil, errors.New(msgInvalidInput)
	}
	if err := m.send(Commands[input]); err != nil {
		return nil, sendFailed(fmt.Sprintf("set input to %s", input))
	}
	m.currentInput = input
	return map[string]any{"current_input": input}, nil
}

func (m *Module) setAspectRatio(params envelope.Params) (map[string]any, error) {
	ratio, _ := params.String("ratio", "")
	if ratio != "4:3" && ratio != "16:9" {
		return nil, errors.New(msgInvalidRatio)
	}
	if err := m.send(Commands[ratio]); err != nil {
		return nil, sendFailed(fmt.Sprintf("set aspect ratio to %s", ratio))
	}
	m.aspectRatio = ratio
	return map[string]any{"aspect_ratio": ratio}, nil
}

func (m *Module) navigate(params envelope.Params) (map[string]any, error) {
	dir, _ := params.String("direction", "")
	valid := false
	for _, d := range directions {
		if d == dir {
			valid = true
			break
		}
	}
	if !valid {
		return nil, errors.New(msgInvalidDirection)
	}
	if err := m.send(Commands[dir]); err != nil {
		return nil, sendFailed(fmt.Sprintf("send %s command", dir))
	}
	return map[string]any{"last_navigation": dir}, nil
}

func (m *Module) adjustImage(params envelope.Params) (map[string]any, error) {
	adj, _ := params.String("adjustment", "")
	limit, ok := adjustLimits[adj]
	if !ok {
		return nil, errors.New(msgInvalidAdjustment)
	}
	value, ok := params["value"].AsInt()
	if !ok {
		return nil, errors.New(msgValueNotInteger)
	}
	if value < -limit || value > limit {
		if strings.HasSuffix(adj, "KEYSTONE") {
			return nil, errors.New(msgKeystoneRange)
		}
		return nil, errors.New(msgShiftRange)
	}
	if err := m.send(fmt.Sprintf(Commands[adj], value)); err != nil {
		return nil, sendFailed(fmt.Sprintf("adjust %s", adj))
	}
	return map[string]any{"adjustment": adj, "value": value}, nil
}

func (m *Module) sendRaw(params envelope.Params) (map[string]any, error) {
	cmd, _ := params.String("command", "")
	if cmd == "" {
		return nil, errors.New(msgEmptyRaw)
	}
	if err := m.send(cmd); err != nil {
		return nil, sendFailed("send raw command")
	}
	return map[string]any{"response": m.readResponse()}, nil
}

// readResponse collects whatever the projector sends back within the
// response window.
func (m *Module) readResponse() string {
	if err := m.port.SetReadTimeout(responsePollInterval); err != nil {
		m.logger.Warn("setting read timeout", "error", err)
	}
	defer func() {
		_ = m.port.SetReadTimeout(m.readTimeout)
	}()

	var sb strings.Builder
	buf := make([]byte, 256)
	deadline := time.Now().Add(m.responseWindow)
	for time.Now().Before(deadline) {
		n, err := m.port.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			m.logger.Error("serial read failed", "error", err)
			break
		}
		if n == 0 {
			time.Sleep(responsePollInterval)
		}
	}
	resp := strings.ToValidUTF8(sb.String(), "")
	if resp != "" {
		m.logger.Info("received response", "response", strings.TrimSpace(resp))
	}
	return resp
}
