package rpcdaemon

import "encoding/json"

// Request is the RPC envelope: integer id, method name, JSON params
// (spec.md §4.8 "Exposes request/response with integer id, method name,
// JSON params").
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the RPC envelope's reply shape.
type Response struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError is the JSON shape of a codeerr.Error on the wire.
type WireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Handler dispatches one decoded request to the appropriate daemon method
// and returns a Response, never an error — failures are encoded in
// Response.Error per the codeerr taxonomy (spec.md §7).
type Handler func(req Request) Response
