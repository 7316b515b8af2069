package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lab-platform/internal/broker"
	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
)

// ActorHeader names the caller for reservation checks on HTTP routes.
const ActorHeader = "X-Lab-Actor"

// maxBodyBytes caps plugin request bodies.
const maxBodyBytes = 64 << 10

// Error codes returned by plugin and device routes.
const (
	CodeBadRequest    = "bad_request"
	CodeNotFound      = "not_found"
	CodeDeviceBusy    = "device_busy"
	CodeDeviceTimeout = "device_timeout"
	CodeDeviceError   = "device_error"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal_error"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RouteProvider is implemented by plugins that expose HTTP routes. The
// router is mounted at /api/v1/plugins/{module}.
type RouteProvider interface {
	Routes(r chi.Router)
}

// HTTPStatus maps a façade error to a status code and error code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupported),
		errors.Is(err, extension.ErrInvalidParams):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrReservationConflict), errors.Is(err, ErrNotOwner):
		return http.StatusConflict, CodeDeviceBusy
	case errors.Is(err, broker.ErrTimeout):
		return http.StatusGatewayTimeout, CodeDeviceTimeout
	case errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// WriteJSON writes a JSON response with the given status code and payload.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// WriteFacadeError writes err using HTTPStatus.
func WriteFacadeError(w http.ResponseWriter, err error) {
	status, code := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	WriteError(w, status, code, msg)
}

// WriteCommandResult answers a route that sent one device command.
// A failed response becomes 502 carrying the device's error text.
func WriteCommandResult(w http.ResponseWriter, deviceID, action string, resp *envelope.Response, err error) {
	if err != nil {
		WriteFacadeError(w, err)
		return
	}
	if !resp.Success {
		WriteError(w, http.StatusBadGateway, CodeDeviceError, resp.ErrorMessage())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"req_id":    resp.ReqID,
		"device_id": deviceID,
		"action":    action,
		"data":      resp.Data,
	})
}

// ActorFromRequest returns the X-Lab-Actor header, or ActorAPI.
func ActorFromRequest(r *http.Request) string {
	if actor := r.Header.Get(ActorHeader); actor != "" {
		return actor
	}
	return ActorAPI
}

// DecodeBody reads a JSON request body into v.
func DecodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", ErrInvalidRequest)
	}
	return nil
}

// ReserveBody is the payload of a reservation request.
type ReserveBody struct {
	LeaseS *int64 `json:"lease_s,omitempty"`
}

// Lease converts the body to a duration; an absent lease_s means def.
func (b ReserveBody) Lease(def time.Duration) time.Duration {
	if b.LeaseS == nil {
		return def
	}
	return time.Duration(*b.LeaseS) * time.Second
}
