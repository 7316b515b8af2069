package device

import (
	"slices"
	"time"
)

// Reservation is an exclusive, holder-scoped lock on a device.
type Reservation struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	// ExpiresAt is zero for reservations without a lease.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Lapsed reports whether the lease ran out at now.
func (r *Reservation) Lapsed(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Device is a snapshot of one registry entry. Snapshots are copies;
// callers can keep and modify them freely.
type Device struct {
	ID           string            `json:"device_id"`
	Capabilities []string          `json:"capabilities"`
	Versions     map[string]string `json:"versions,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	Online       bool              `json:"online"`
	Reservation  *Reservation      `json:"reservation"`
}

// HasCapability reports whether the device runs the named module.
func (d Device) HasCapability(capability string) bool {
	_, found := slices.BinarySearch(d.Capabilities, capability)
	return found
}

// EventType names a registry change.
type EventType string

// Registry events.
const (
	EventRegistered EventType = "registered"
	EventOffline    EventType = "offline"
	EventExpired    EventType = "expired"
	EventReserved   EventType = "reserved"
	EventReleased   EventType = "released"
	// EventLeaseLapsed is emitted when a lease runs out and is cleared.
	EventLeaseLapsed EventType = "lease_lapsed"
)

// Event describes one registry change.
type Event struct {
	Type     EventType `json:"type"`
	DeviceID string    `json:"device_id"`
	Holder   string    `json:"holder,omitempty"`
	Device   *Device   `json:"device,omitempty"`
	Time     time.Time `json:"ts"`
}

// Observer is notified of registry changes. It is called outside the
// registry's locks and must not block for long.
type Observer func(Event)

// Stats summarises the registry for monitoring.
type Stats struct {
	Total        int            `json:"total"`
	Online       int            `json:"online"`
	Reserved     int            `json:"reserved"`
	ByCapability map[string]int `json:"by_capability"`
}
