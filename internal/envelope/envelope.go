package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Command is a request for one module action on one device.
type Command struct {
	ReqID  string    `json:"req_id"`
	Actor  string    `json:"actor"`
	TS     Timestamp `json:"ts"`
	Action string    `json:"action"`
	Params Params    `json:"params"`
}

// NewCommand builds a Command with a fresh UUIDv4 req_id.
func NewCommand(actor, action string, params Params) *Command {
	if params == nil {
		params = Params{}
	}
	return &Command{
		ReqID:  uuid.NewString(),
		Actor:  actor,
		TS:     Now(),
		Action: action,
		Params: params,
	}
}

// Response is the single reply to a Command. Error is non-nil iff
// Success is false.
type Response struct {
	ReqID   string         `json:"req_id"`
	Success bool           `json:"success"`
	Error   *string        `json:"error"`
	Data    map[string]any `json:"data"`
	TS      Timestamp      `json:"ts"`
}

// Succeeded builds a successful Response.
func Succeeded(reqID string, data map[string]any) *Response {
	if data == nil {
		data = map[string]any{}
	}
	return &Response{
		ReqID:   reqID,
		Success: true,
		Data:    data,
		TS:      Now(),
	}
}

// Failed builds a failed Response carrying msg.
func Failed(reqID, msg string) *Response {
	return &Response{
		ReqID:   reqID,
		Success: false,
		Error:   &msg,
		Data:    map[string]any{},
		TS:      Now(),
	}
}

// ErrorMessage returns the error string, or "" on success.
func (r *Response) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Ack is a plugin's acknowledgement of a control-topic request.
type Ack struct {
	ReqID string    `json:"req_id"`
	OK    bool      `json:"ok"`
	Code  string    `json:"code"`
	Error *string   `json:"error"`
	TS    Timestamp `json:"ts"`
}

// Ack codes.
const (
	AckDispatched = "DISPATCHED"
	AckOK         = "OK"
	AckInUse      = "IN_USE"
	AckNotOwner   = "NOT_OWNER"
	AckError      = "ERROR"
	AckBadAction  = "BAD_ACTION"
	AckScheduled  = "SCHEDULED"
)

// NewAck builds an Ack. An empty errMsg leaves Error null.
func NewAck(reqID string, ok bool, code, errMsg string) *Ack {
	a := &Ack{ReqID: reqID, OK: ok, Code: code, TS: Now()}
	if errMsg != "" {
		a.Error = &errMsg
	}
	return a
}

// DecodeCommand parses and checks a command payload.
func DecodeCommand(payload []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if c.ReqID == "" {
		return nil, fmt.Errorf("%w: missing req_id", ErrMalformed)
	}
	if c.Action == "" {
		return &c, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	if c.Params == nil {
		c.Params = Params{}
	}
	return &c, nil
}

// DecodeResponse parses and checks a response payload.
func DecodeResponse(payload []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if r.ReqID == "" {
		return nil, fmt.Errorf("%w: missing req_id", ErrMalformed)
	}
	if r.Success && r.Error != nil {
		return nil, fmt.Errorf("%w: successful response carries an error", ErrMalformed)
	}
	if !r.Success && r.Error == nil {
		return nil, fmt.Errorf("%w: failed response without error", ErrMalformed)
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	return &r, nil
}

// PeekReqID extracts req_id from a payload that may not decode fully.
// It returns "" when none can be recovered.
func PeekReqID(payload []byte) string {
	var peek struct {
		ReqID any `json:"req_id"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return ""
	}
	s, _ := peek.ReqID.(string)
	return s
}
