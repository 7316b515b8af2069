package device

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// record is the mutable state of one device. All fields except id are
// guarded by mu.
type record struct {
	mu       sync.Mutex
	id       string
	caps     []string
	versions map[string]string
	lastSeen time.Time
	online   bool
	res      *Reservation

	// removed is set when Expire drops the record. Callers that fetched
	// the pointer before removal must treat the device as unknown.
	removed bool
}

func (rec *record) snapshot() Device {
	d := Device{
		ID:           rec.id,
		Capabilities: slices.Clone(rec.caps),
		Versions:     maps.Clone(rec.versions),
		LastSeen:     rec.lastSeen,
		Online:       rec.online,
	}
	if d.Capabilities == nil {
		d.Capabilities = []string{}
	}
	if rec.res != nil {
		res := *rec.res
		d.Reservation = &res
	}
	return d
}

// Registry is the live device table.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*record

	now       func() time.Time
	observers []Observer
	logger    Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver adds an observer notified of every change.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		devices: make(map[string]*record),
		now:     time.Now,
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[id]
}

func (r *Registry) lookupOrCreate(id string) *record {
	if rec := r.lookup(id); rec != nil {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.devices[id]; ok {
		return rec
	}
	rec := &record{id: id}
	r.devices[id] = rec
	return rec
}

// withLive runs fn with rec locked, retrying if the record was removed by
// a concurrent Expire between lookup and lock.
func (r *Registry) withLive(id string, fn func(rec *record)) {
	for {
		rec := r.lookupOrCreate(id)
		rec.mu.Lock()
		if rec.removed {
			rec.mu.Unlock()
			continue
		}
		fn(rec)
		rec.mu.Unlock()
		return
	}
}

// Register upserts a device, replaces its capabilities, refreshes
// LastSeen and marks it online. An existing reservation is kept.
func (r *Registry) Register(id string, capabilities []string) {
	r.RegisterWithVersions(id, capabilities, nil)
}

// RegisterWithVersions is Register that also records module versions.
func (r *Registry) RegisterWithVersions(id string, capabilities []string, versions map[string]string) {
	if id == "" {
		return
	}
	caps := normalizeCapabilities(capabilities)

	var (
		snap  Device
		isNew bool
	)
	r.withLive(id, func(rec *record) {
		isNew = rec.lastSeen.IsZero()
		rec.caps = caps
		if versions != nil {
			rec.versions = maps.Clone(versions)
		}
		rec.lastSeen = r.now()
		rec.online = true
		snap = rec.snapshot()
	})

	if isNew {
		r.logger.Info("device registered", "device_id", id, "capabilities", caps)
	} else {
		r.logger.Debug("device refreshed", "device_id", id)
	}
	r.notify(Event{Type: EventRegistered, DeviceID: id, Device: &snap})
}

// Touch refreshes LastSeen and marks a known device online without
// changing its capabilities. It returns false for unknown devices.
func (r *Registry) Touch(id string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return false
	}
	rec.lastSeen = r.now()
	rec.online = true
	return true
}

// MarkOffline records that a device went away (LWT). The device and its
// reservation stay until Expire removes them.
func (r *Registry) MarkOffline(id string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return false
	}
	rec.online = false
	snap := rec.snapshot()
	rec.mu.Unlock()

	r.logger.Info("device offline", "device_id", id)
	r.notify(Event{Type: EventOffline, DeviceID: id, Device: &snap})
	return true
}

// Reserve acquires a reservation without a lease. See ReserveFor.
func (r *Registry) Reserve(id, holder string) bool {
	return r.ReserveFor(id, holder, 0)
}

// ReserveFor succeeds if the device is unreserved, its lease has lapsed,
// or holder already holds it (re-reserving refreshes the lease). A
// non-positive lease never lapses. Unknown devices and empty holders fail.
// A failed call has no side effects.
func (r *Registry) ReserveFor(id, holder string, lease time.Duration) bool {
	if holder == "" {
		return false
	}
	rec := r.lookup(id)
	if rec == nil {
		return false
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return false
	}
	now := r.now()
	if rec.res != nil && !rec.res.Lapsed(now) && rec.res.Holder != holder {
		rec.mu.Unlock()
		return false
	}

	var expires time.Time
	if lease > 0 {
		expires = now.Add(lease)
	}
	if rec.res != nil && rec.res.Holder == holder && !rec.res.Lapsed(now) {
		rec.res.ExpiresAt = expires
	} else {
		rec.res = &Reservation{Holder: holder, AcquiredAt: now, ExpiresAt: expires}
	}
	snap := rec.snapshot()
	rec.mu.Unlock()

	r.logger.Debug("device reserved", "device_id", id, "holder", holder, "lease", lease)
	r.notify(Event{Type: EventReserved, DeviceID: id, Holder: holder, Device: &snap})
	return true
}

// Release drops the reservation if holder holds it. Releasing a free
// device or one held by someone else returns false and changes nothing.
func (r *Registry) Release(id, holder string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}

	rec.mu.Lock()
	if rec.removed || rec.res == nil || rec.res.Holder != holder || rec.res.Lapsed(r.now()) {
		rec.mu.Unlock()
		return false
	}
	rec.res = nil
	snap := rec.snapshot()
	rec.mu.Unlock()

	r.logger.Debug("device released", "device_id", id, "holder", holder)
	r.notify(Event{Type: EventReleased, DeviceID: id, Holder: holder, Device: &snap})
	return true
}

// CanUse reports whether holder may command the device: it is known and
// either unreserved or reserved by holder.
func (r *Registry) CanUse(id, holder string) bool {
	rec := r.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return false
	}
	return rec.res == nil || rec.res.Lapsed(r.now()) || rec.res.Holder == holder
}

// Holder returns the current holder of a device, or "".
func (r *Registry) Holder(id string) string {
	rec := r.lookup(id)
	if rec == nil {
		return ""
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.res == nil || rec.res.Lapsed(r.now()) {
		return ""
	}
	return rec.res.Holder
}

// Expire removes devices not seen within ttl of now, force-releasing
// their reservations, and clears lapsed leases on the rest. It returns
// the removed IDs in sorted order.
func (r *Registry) Expire(now time.Time, ttl time.Duration) []string {
	var (
		removed []string
		events  []Event
	)

	r.mu.Lock()
	for id, rec := range r.devices {
		rec.mu.Lock()
		if now.Sub(rec.lastSeen) > ttl {
			rec.removed = true
			snap := rec.snapshot()
			holder := ""
			if rec.res != nil {
				holder = rec.res.Holder
			}
			rec.res = nil
			rec.mu.Unlock()

			delete(r.devices, id)
			removed = append(removed, id)
			events = append(events, Event{Type: EventExpired, DeviceID: id, Holder: holder, Device: &snap, Time: now})
			continue
		}
		if rec.res.Lapsed(now) {
			holder := rec.res.Holder
			rec.res = nil
			snap := rec.snapshot()
			events = append(events, Event{Type: EventLeaseLapsed, DeviceID: id, Holder: holder, Device: &snap, Time: now})
		}
		rec.mu.Unlock()
	}
	r.mu.Unlock()

	sort.Strings(removed)
	for _, ev := range events {
		if ev.Type == EventExpired {
			r.logger.Info("device expired", "device_id", ev.DeviceID, "released_holder", ev.Holder)
		} else {
			r.logger.Info("reservation lease lapsed", "device_id", ev.DeviceID, "holder", ev.Holder)
		}
		r.notify(ev)
	}
	return removed
}

// RunExpiry calls Expire every interval until ctx is cancelled.
func (r *Registry) RunExpiry(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Expire(r.now(), ttl)
		}
	}
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (Device, bool) {
	rec := r.lookup(id)
	if rec == nil {
		return Device{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return Device{}, false
	}
	return r.visible(rec.snapshot()), true
}

// List returns snapshots of every device sorted by ID.
func (r *Registry) List() []Device {
	return r.filter(func(Device) bool { return true })
}

// ListByCapability returns devices running the named module.
func (r *Registry) ListByCapability(capability string) []Device {
	return r.filter(func(d Device) bool { return d.HasCapability(capability) })
}

func (r *Registry) filter(keep func(Device) bool) []Device {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.devices))
	for _, rec := range r.devices {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]Device, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		snap, removed := rec.snapshot(), rec.removed
		rec.mu.Unlock()
		if !removed && keep(snap) {
			out = append(out, r.visible(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// visible hides a lapsed reservation that Expire has not swept yet.
func (r *Registry) visible(d Device) Device {
	if d.Reservation.Lapsed(r.now()) {
		d.Reservation = nil
	}
	return d
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	devices := r.List()
	stats := Stats{
		Total:        len(devices),
		ByCapability: make(map[string]int),
	}
	for _, d := range devices {
		if d.Online {
			stats.Online++
		}
		if d.Reservation != nil {
			stats.Reserved++
		}
		for _, c := range d.Capabilities {
			stats.ByCapability[c]++
		}
	}
	return stats
}

func (r *Registry) notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	for _, o := range r.observers {
		o(ev)
	}
}

func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
