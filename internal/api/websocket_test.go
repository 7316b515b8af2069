package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
)

// attach registers a subscriber without a connection and returns it.
func attach(hub *Hub, channels ...string) *subscriber {
	s := newSubscriber(hub, nil, channels...)
	hub.add(s)
	return s
}

func nextFrame(t *testing.T, s *subscriber) Frame {
	t.Helper()
	select {
	case data := <-s.outbox:
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return Frame{}
	}
}

func expectNoFrame(t *testing.T, s *subscriber) {
	t.Helper()
	select {
	case data := <-s.outbox:
		t.Errorf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriber_Wants(t *testing.T) {
	tests := []struct {
		subscribed []string
		channel    string
		want       bool
	}{
		{[]string{"device.reserved"}, "device.reserved", true},
		{[]string{"device.reserved"}, "device.released", false},
		{[]string{"device.*"}, "device.expired", true},
		{[]string{"device.*"}, "schedule.run", false},
		{[]string{"schedule.*"}, "schedule.run", true},
		{[]string{ChannelAll}, "schedule.run", true},
		{nil, "device.registered", false},
	}

	hub := NewHub(testWSConfig, logging.Discard())
	for _, tt := range tests {
		s := newSubscriber(hub, nil, tt.subscribed...)
		if got := s.wants(tt.channel); got != tt.want {
			t.Errorf("subscribed %v: wants(%q) = %v, want %v", tt.subscribed, tt.channel, got, tt.want)
		}
	}
}

func TestHub_ReservationEventsReachSubscribers(t *testing.T) {
	hub := NewHub(testWSConfig, logging.Discard())
	reservations := attach(hub, "device.reserved", "device.released")
	presence := attach(hub, "device.registered")

	registry := device.NewRegistry(device.WithObserver(hub.Observe))
	registry.Register("proj-01", []string{"projector"})
	if f := nextFrame(t, presence); f.Channel != "device.registered" {
		t.Errorf("presence channel = %q", f.Channel)
	}

	registry.Reserve("proj-01", "alice")
	f := nextFrame(t, reservations)
	if f.Type != FrameEvent || f.Channel != "device.reserved" {
		t.Fatalf("frame = %+v", f)
	}
	data, _ := f.Data.(map[string]any)
	if data["device_id"] != "proj-01" || data["holder"] != "alice" {
		t.Errorf("data = %v", f.Data)
	}
	expectNoFrame(t, presence)

	registry.Release("proj-01", "alice")
	if f := nextFrame(t, reservations); f.Channel != "device.released" {
		t.Errorf("channel = %q, want device.released", f.Channel)
	}
}

func TestHub_ScheduleRunEvent(t *testing.T) {
	hub := NewHub(testWSConfig, logging.Discard())
	runs := attach(hub, "schedule.*")
	devices := attach(hub, "device.*")

	hub.Broadcast(ChannelScheduleRun, map[string]any{"job_id": "j-1", "status": "skipped"})

	f := nextFrame(t, runs)
	if f.Channel != ChannelScheduleRun {
		t.Errorf("channel = %q", f.Channel)
	}
	if data, _ := f.Data.(map[string]any); data["status"] != "skipped" {
		t.Errorf("data = %v", f.Data)
	}
	expectNoFrame(t, devices)
}

func TestHub_FullOutboxDropsFrames(t *testing.T) {
	hub := NewHub(testWSConfig, logging.Discard())
	s := attach(hub, ChannelAll)

	for range outboxSize + 3 {
		hub.Broadcast("device.registered", map[string]any{"device_id": "ndi-01"})
	}
	if got := hub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if len(s.outbox) != outboxSize {
		t.Errorf("queued = %d, want %d", len(s.outbox), outboxSize)
	}
}

func TestHub_RemoveIsIdempotent(t *testing.T) {
	hub := NewHub(testWSConfig, logging.Discard())
	if hub.ClientCount() != 0 {
		t.Fatalf("initial count = %d", hub.ClientCount())
	}

	s := attach(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after add count = %d, want 1", hub.ClientCount())
	}
	hub.remove(s)
	hub.remove(s)
	if hub.ClientCount() != 0 {
		t.Errorf("after remove count = %d, want 0", hub.ClientCount())
	}

	// Broadcasting after removal must not panic on the closed outbox.
	hub.Broadcast("device.expired", nil)
}

func dialStream(t *testing.T, addr, query string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial event stream: %v (resp: %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitForSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStream_QueryChannels(t *testing.T) {
	srv, registry, _ := testServer(t)
	addr := startServer(t, srv)
	registry.Register("proj-01", []string{"projector"})

	ws := dialStream(t, addr, "?channels=device.reserved,%20device.released")
	waitForSubscribers(t, srv.Hub(), 1)

	registry.Reserve("proj-01", "alice")
	if f := readFrame(t, ws); f.Channel != "device.reserved" {
		t.Errorf("channel = %q, want device.reserved", f.Channel)
	}
	registry.Release("proj-01", "alice")
	if f := readFrame(t, ws); f.Channel != "device.released" {
		t.Errorf("channel = %q, want device.released", f.Channel)
	}
}

func TestStream_SubscribeUnsubscribe(t *testing.T) {
	srv, registry, _ := testServer(t)
	addr := startServer(t, srv)
	ws := dialStream(t, addr, "")

	if err := ws.WriteJSON(Frame{Type: FrameSubscribe, ID: "sub-1", Data: Subscription{Channels: []string{"device.*"}}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readFrame(t, ws)
	if ack.Type != FrameAck || ack.ID != "sub-1" {
		t.Fatalf("subscribe ack = %+v", ack)
	}

	registry.Register("ndi-01", []string{"ndi"})
	if f := readFrame(t, ws); f.Channel != "device.registered" {
		t.Errorf("channel = %q, want device.registered", f.Channel)
	}

	if err := ws.WriteJSON(Frame{Type: FrameUnsubscribe, ID: "unsub-1", Data: Subscription{Channels: []string{"device.*"}}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if ack := readFrame(t, ws); ack.Type != FrameAck || ack.ID != "unsub-1" {
		t.Errorf("unsubscribe ack = %+v", ack)
	}
}

func TestStream_PingAndBadFrames(t *testing.T) {
	srv, _, _ := testServer(t)
	addr := startServer(t, srv)
	ws := dialStream(t, addr, "")

	if err := ws.WriteJSON(Frame{Type: FramePing, ID: "p-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if f := readFrame(t, ws); f.Type != FramePong || f.ID != "p-1" {
		t.Errorf("ping reply = %+v", f)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, ws); f.Type != FrameError {
		t.Errorf("invalid frame reply type = %q, want error", f.Type)
	}

	if err := ws.WriteJSON(Frame{Type: "reserve", ID: "x-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, ws); f.Type != FrameError || f.ID != "x-1" {
		t.Errorf("unknown type reply = %+v", f)
	}
}

func TestStream_RejectsDisallowedOrigin(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://lab.local"}
	addr := startServer(t, srv)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", header)
	if err == nil {
		t.Fatal("expected dial to fail for a disallowed origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
