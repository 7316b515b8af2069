package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/config"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
	"github.com/nerrad567/lab-platform/internal/plugin"
)

var testWSConfig = config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}

// fakePlugin is a plugin that serves two routes.
type fakePlugin struct {
	greeting string
}

func (p *fakePlugin) HandleCommand(context.Context, string, envelope.Params) (extension.Result, error) {
	return extension.Result{}, nil
}

func (p *fakePlugin) Shutdown(context.Context) error { return nil }

func (p *fakePlugin) Routes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		plugin.WriteJSON(w, http.StatusOK, map[string]any{"root": true})
	})
	r.Get("/hello", func(w http.ResponseWriter, _ *http.Request) {
		plugin.WriteJSON(w, http.StatusOK, map[string]any{"greeting": p.greeting})
	})
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		plugin.WriteJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(r, "id")})
	})
}

// bareExtension has no routes.
type bareExtension struct{}

func (bareExtension) HandleCommand(context.Context, string, envelope.Params) (extension.Result, error) {
	return extension.Result{}, nil
}

func (bareExtension) Shutdown(context.Context) error { return nil }

// pluginTable is a PluginLookup backed by a map.
type pluginTable struct {
	mu   sync.Mutex
	exts map[string]extension.Extension
}

func (p *pluginTable) Get(name string) (extension.Extension, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ext, ok := p.exts[name]
	return ext, ok
}

func (p *pluginTable) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.exts))
	for _, n := range []string{"bare", "fake"} {
		if _, ok := p.exts[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

func (p *pluginTable) set(name string, ext extension.Extension) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exts[name] = ext
}

// testServer creates a Server with a live device registry and two plugins.
func testServer(t *testing.T) (*Server, *device.Registry, *pluginTable) {
	t.Helper()

	log := logging.Discard()
	hub := NewHub(testWSConfig, log)
	registry := device.NewRegistry(device.WithObserver(hub.Observe))
	plugins := &pluginTable{exts: map[string]extension.Extension{
		"fake": &fakePlugin{greeting: "hi"},
		"bare": bareExtension{},
	}}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:       testWSConfig,
		Logger:   log,
		Devices:  registry,
		Plugins:  plugins,
		Gatherer: prometheus.NewRegistry(),
		Hub:      hub,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return srv, registry, plugins
}

func doRequest(t *testing.T, srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Devices: device.NewRegistry()}); err == nil {
		t.Error("expected error without logger")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("expected error without device registry")
	}
}

func TestHealth(t *testing.T) {
	srv, registry, _ := testServer(t)
	registry.Register("ndi-01", []string{"ndi"})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
	if body["devices"] != float64(1) {
		t.Errorf("devices = %v, want 1", body["devices"])
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", "", "X-Request-ID", "client-123")
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodOptions, "/api/v1/devices", "", "Origin", "http://localhost:3000")

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, plugin.ActorHeader) {
		t.Errorf("Allow-Headers = %q, want it to include %s", got, plugin.ActorHeader)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://lab.local"}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health", "", "Origin", "http://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/nonexistent", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRecovery(t *testing.T) {
	srv, _, plugins := testServer(t)
	plugins.set("fake", panicPlugin{})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/plugins/fake/boom", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var e Error
	decodeBody(t, rec, &e)
	if e.Code != plugin.CodeInternal {
		t.Errorf("code = %q, want %q", e.Code, plugin.CodeInternal)
	}
}

type panicPlugin struct{ bareExtension }

func (panicPlugin) Routes(r chi.Router) {
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
}

func TestListDevices(t *testing.T) {
	srv, registry, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"devices":[]`) {
		t.Errorf("empty list body = %s", rec.Body.String())
	}

	registry.Register("ndi-01", []string{"ndi"})
	registry.Register("proj-01", []string{"projector"})
	registry.Register("proj-02", []string{"projector"})
	registry.MarkOffline("proj-02")

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"ndi-01", "proj-01", "proj-02"}},
		{"?capability=projector", []string{"proj-01", "proj-02"}},
		{"?capability=projector&online=true", []string{"proj-01"}},
		{"?online=false", []string{"proj-02"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices"+tt.query, "")
			var body struct {
				Devices []device.Device `json:"devices"`
				Count   int             `json:"count"`
			}
			decodeBody(t, rec, &body)
			if body.Count != len(tt.want) {
				t.Fatalf("count = %d, want %d (%s)", body.Count, len(tt.want), rec.Body.String())
			}
			for i, id := range tt.want {
				if body.Devices[i].ID != id {
					t.Errorf("devices[%d] = %q, want %q", i, body.Devices[i].ID, id)
				}
			}
		})
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/devices?online=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad online filter status = %d, want 400", rec.Code)
	}
}

func TestGetDevice(t *testing.T) {
	srv, registry, _ := testServer(t)
	registry.Register("proj-01", []string{"projector"})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices/proj-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var dev device.Device
	decodeBody(t, rec, &dev)
	if dev.ID != "proj-01" || !dev.Online {
		t.Errorf("device = %+v", dev)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/devices/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", rec.Code)
	}
}

func TestDeviceStats(t *testing.T) {
	srv, registry, _ := testServer(t)
	registry.Register("proj-01", []string{"projector"})
	registry.Reserve("proj-01", "alice")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/devices/stats", "")
	var stats device.Stats
	decodeBody(t, rec, &stats)
	if stats.Total != 1 || stats.Reserved != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReserveRelease(t *testing.T) {
	srv, registry, _ := testServer(t)
	registry.Register("proj-01", []string{"projector"})
	path := "/api/v1/devices/proj-01/reserve"

	rec := doRequest(t, srv, http.MethodPost, path, "", plugin.ActorHeader, "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("reserve status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	dev, _ := registry.Get("proj-01")
	if dev.Reservation == nil || dev.Reservation.Holder != "alice" {
		t.Fatalf("reservation = %+v", dev.Reservation)
	}
	if got := dev.Reservation.ExpiresAt.Sub(dev.Reservation.AcquiredAt); got != DefaultLease {
		t.Errorf("lease = %v, want %v", got, DefaultLease)
	}

	rec = doRequest(t, srv, http.MethodPost, path, "", plugin.ActorHeader, "bob")
	if rec.Code != http.StatusConflict {
		t.Errorf("second holder status = %d, want 409", rec.Code)
	}
	var e Error
	decodeBody(t, rec, &e)
	if e.Code != plugin.CodeDeviceBusy || e.Message != plugin.MsgDeviceInUse {
		t.Errorf("error = %+v", e)
	}

	rec = doRequest(t, srv, http.MethodDelete, path, "", plugin.ActorHeader, "bob")
	if rec.Code != http.StatusConflict {
		t.Errorf("release by non-holder status = %d, want 409", rec.Code)
	}
	decodeBody(t, rec, &e)
	if e.Message != plugin.MsgNotOwner {
		t.Errorf("message = %q", e.Message)
	}

	rec = doRequest(t, srv, http.MethodDelete, path, "", plugin.ActorHeader, "alice")
	if rec.Code != http.StatusOK {
		t.Errorf("release status = %d, want 200", rec.Code)
	}
	if registry.Holder("proj-01") != "" {
		t.Error("device still reserved after release")
	}
}

func TestReserve_Lease(t *testing.T) {
	srv, registry, _ := testServer(t)
	registry.Register("proj-01", []string{"projector"})
	path := "/api/v1/devices/proj-01/reserve"

	rec := doRequest(t, srv, http.MethodPost, path, `{"lease_s":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	dev, _ := registry.Get("proj-01")
	if dev.Reservation.Holder != plugin.ActorAPI {
		t.Errorf("holder = %q, want %q", dev.Reservation.Holder, plugin.ActorAPI)
	}
	if got := dev.Reservation.ExpiresAt.Sub(dev.Reservation.AcquiredAt); got != 5*time.Second {
		t.Errorf("lease = %v, want 5s", got)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"negative lease", path, `{"lease_s":-1}`, http.StatusBadRequest},
		{"invalid json", path, `{"lease_s":`, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/ghost/reserve", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/devices/ghost/reserve", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("release unknown status = %d, want 404", rec.Code)
	}
}

func TestPlugins_List(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/plugins", "")
	var body struct {
		Plugins []struct {
			Name   string `json:"name"`
			Routes bool   `json:"routes"`
		} `json:"plugins"`
		Count int `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	if body.Plugins[0].Name != "bare" || body.Plugins[0].Routes {
		t.Errorf("plugins[0] = %+v", body.Plugins[0])
	}
	if body.Plugins[1].Name != "fake" || !body.Plugins[1].Routes {
		t.Errorf("plugins[1] = %+v", body.Plugins[1])
	}
}

func TestPlugins_Routes(t *testing.T) {
	srv, _, _ := testServer(t)

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/api/v1/plugins/fake/hello", http.StatusOK, `"greeting":"hi"`},
		{"/api/v1/plugins/fake/things/42", http.StatusOK, `"id":"42"`},
		{"/api/v1/plugins/fake", http.StatusOK, `"root":true`},
		{"/api/v1/plugins/fake/missing", http.StatusNotFound, ""},
		{"/api/v1/plugins/bare/hello", http.StatusNotFound, "plugin not loaded: bare"},
		{"/api/v1/plugins/ghost/hello", http.StatusNotFound, "plugin not loaded: ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestPlugins_ReloadRebuildsRoutes(t *testing.T) {
	srv, _, plugins := testServer(t)
	handler := srv.buildRouter()

	get := func() string {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plugins/fake/hello", nil))
		return rec.Body.String()
	}

	if body := get(); !strings.Contains(body, `"hi"`) {
		t.Fatalf("body = %s", body)
	}
	plugins.set("fake", &fakePlugin{greeting: "hello again"})
	if body := get(); !strings.Contains(body, `"hello again"`) {
		t.Errorf("body after reload = %s", body)
	}
}

func TestMetrics(t *testing.T) {
	srv, registry, _ := testServer(t)
	registry.Register("ndi-01", []string{"ndi"})

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "lab_test_total", Help: "test"})
	reg := prometheus.NewRegistry()
	reg.MustRegister(counter)
	counter.Inc()
	srv.gatherer = reg

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "lab_test_total 1") {
		t.Errorf("exposition missing counter: %s", rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/metrics", "")
	var m SystemMetrics
	decodeBody(t, rec, &m)
	if m.Devices.Total != 1 || m.Plugins != 2 || m.Version != "test" {
		t.Errorf("metrics = %+v", m)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines not reported")
	}
}

// startServer runs srv on an ephemeral port.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

func TestServer_StartAndClose(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if srv.Addr() != "" {
		t.Errorf("Addr before Start = %q", srv.Addr())
	}

	addr := startServer(t, srv)
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after Start: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first, _, _ := testServer(t)
	addr := startServer(t, first)

	second, _, _ := testServer(t)
	host, port := splitHostPort(t, addr)
	second.cfg.Host = host
	second.cfg.Port = port
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Fatal("expected error binding a port in use")
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return host, port
}
