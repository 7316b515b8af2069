package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/plugin"
)

// handleListDevices returns all live devices, with optional query filters.
//
// Query parameters:
//   - capability: only devices running this module
//   - online: "true" or "false"
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var devices []device.Device
	if capability := q.Get("capability"); capability != "" {
		devices = s.devices.ListByCapability(capability)
	} else {
		devices = s.devices.List()
	}

	if onlineStr := q.Get("online"); onlineStr != "" {
		online, err := strconv.ParseBool(onlineStr)
		if err != nil {
			writeBadRequest(w, "online must be true or false")
			return
		}
		filtered := devices[:0]
		for _, d := range devices {
			if d.Online == online {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dev, ok := s.devices.Get(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleDeviceStats returns registry counters.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.GetStats())
}

// handleReserveDevice reserves a device for the caller named by X-Lab-Actor.
// An empty body uses the default lease; lease_s of 0 never lapses.
func (s *Server) handleReserveDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.devices.Get(id); !ok {
		writeNotFound(w, "device not found")
		return
	}

	var body plugin.ReserveBody
	if r.ContentLength != 0 {
		if err := plugin.DecodeBody(w, r, &body); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}
	if body.LeaseS != nil && *body.LeaseS < 0 {
		writeBadRequest(w, "lease_s must not be negative")
		return
	}

	holder := plugin.ActorFromRequest(r)
	if !s.devices.ReserveFor(id, holder, body.Lease(s.defaultLease)) {
		writeConflict(w, plugin.MsgDeviceInUse)
		return
	}

	dev, _ := s.devices.Get(id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device": dev})
}

// handleReleaseDevice releases the caller's reservation.
func (s *Server) handleReleaseDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.devices.Get(id); !ok {
		writeNotFound(w, "device not found")
		return
	}

	if !s.devices.Release(id, plugin.ActorFromRequest(r)) {
		writeConflict(w, plugin.MsgNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device_id": id})
}
