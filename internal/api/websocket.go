package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/infrastructure/config"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
)

// Frame types on the event stream.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)

// Event channels. Registry events arrive as "device.<type>", e.g.
// "device.reserved". A trailing ".*" matches a whole family and "*"
// matches everything.
const (
	ChannelAll         = "*"
	ChannelDevice      = "device."
	ChannelScheduleRun = "schedule.run"
)

// outboxSize bounds the frames queued for one subscriber. Frames for a
// subscriber with a full outbox are dropped.
const outboxSize = 256

// Frame is one message on the event stream, in either direction.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Subscription is the data of subscribe and unsubscribe frames.
type Subscription struct {
	Channels []string `json:"channels"`
}

// Hub fans device registry and schedule events out to stream subscribers.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	dropped atomic.Int64

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// subscriber is one connected stream client.
type subscriber struct {
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}
}

// NewHub creates a hub. Pass hub.Observe to the device registry.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.disconnectAll()
}

// Observe implements device.Observer.
func (h *Hub) Observe(ev device.Event) {
	h.Broadcast(ChannelDevice+string(ev.Type), ev)
}

// Broadcast queues data for every subscriber of channel.
func (h *Hub) Broadcast(channel string, data any) {
	frame, err := json.Marshal(Frame{
		Type:    FrameEvent,
		Channel: channel,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Data:    data,
	})
	if err != nil {
		h.logger.Error("encoding stream event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if !s.wants(channel) {
			continue
		}
		if s.enqueue(frame) {
			delivered++
		} else {
			h.dropped.Add(1)
		}
	}
	if delivered > 0 {
		h.logger.Debug("stream event sent", "channel", channel, "subscribers", delivered)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many event frames were discarded because a
// subscriber's outbox was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("stream subscriber connected", "subscribers", n)
}

// remove detaches s. Only the call that finds s closes its outbox.
func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		close(s.outbox)
		h.logger.Debug("stream subscriber disconnected", "subscribers", n)
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		close(s.outbox)
		if s.conn != nil {
			s.conn.Close()
		}
		delete(h.subs, s)
	}
}

func newSubscriber(h *Hub, conn *websocket.Conn, channels ...string) *subscriber {
	s := &subscriber{
		hub:      h,
		conn:     conn,
		outbox:   make(chan []byte, outboxSize),
		channels: make(map[string]struct{}),
	}
	s.subscribe(channels)
	return s
}

// wants reports whether channel matches one of the subscriber's channels.
func (s *subscriber) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.channels[ChannelAll]; ok {
		return true
	}
	if _, ok := s.channels[channel]; ok {
		return true
	}
	if i := strings.LastIndexByte(channel, '.'); i > 0 {
		_, ok := s.channels[channel[:i]+".*"]
		return ok
	}
	return false
}

func (s *subscriber) subscribe(channels []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			s.channels[ch] = struct{}{}
			added = append(added, ch)
		}
	}
	return added
}

func (s *subscriber) unsubscribe(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, strings.TrimSpace(ch))
	}
}

// enqueue queues frame without blocking. It reports false when the outbox
// is full or already closed.
func (s *subscriber) enqueue(frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.outbox <- frame:
		return true
	default:
		return false
	}
}

func (s *subscriber) reply(f Frame) {
	f.TS = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.enqueue(data)
}

func (s *subscriber) fail(id, message string) {
	s.reply(Frame{Type: FrameError, ID: id, Data: map[string]string{"message": message}})
}

// upgrader accepts same-origin clients and origins on the CORS allow-list.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
}

// handleWebSocket upgrades the request to an event stream. Channels given
// as ?channels=device.reserved,schedule.run are subscribed immediately.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	var channels []string
	if q := r.URL.Query().Get("channels"); q != "" {
		channels = strings.Split(q, ",")
	}
	sub := newSubscriber(s.hub, conn, channels...)
	s.hub.add(sub)

	go sub.writeLoop(s.wsCfg)
	go sub.readLoop(s.wsCfg)
}

// idleLimit is how long a connection may stay silent before it is dropped.
func idleLimit(cfg config.WebSocketConfig) time.Duration {
	return time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
}

func (s *subscriber) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		s.hub.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend := func() error { return s.conn.SetReadDeadline(time.Now().Add(idleLimit(cfg))) }
	//nolint:errcheck // a failed deadline surfaces as a read error
	extend()
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("event stream read failed", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame counts as liveness.
		//nolint:errcheck // a failed deadline surfaces as a read error
		extend()
		s.handle(data)
	}
}

func (s *subscriber) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.outbox:
			if !ok {
				//nolint:errcheck // connection is going away
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // write error is checked below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			//nolint:errcheck // write error is checked below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle answers one client frame.
func (s *subscriber) handle(data []byte) {
	var in struct {
		Type string       `json:"type"`
		ID   string       `json:"id"`
		Data Subscription `json:"data"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		s.fail("", "invalid frame: "+err.Error())
		return
	}

	switch in.Type {
	case FrameSubscribe:
		added := s.subscribe(in.Data.Channels)
		s.hub.logger.Debug("stream subscriber joined channels", "channels", added)
		s.reply(Frame{Type: FrameAck, ID: in.ID, Data: map[string]any{"subscribed": added}})
	case FrameUnsubscribe:
		s.unsubscribe(in.Data.Channels)
		s.reply(Frame{Type: FrameAck, ID: in.ID, Data: map[string]any{"unsubscribed": in.Data.Channels}})
	case FramePing:
		s.reply(Frame{Type: FramePong, ID: in.ID})
	default:
		s.fail(in.ID, "unknown frame type: "+in.Type)
	}
}
