// Package protocol encodes and decodes the JSON envelopes exchanged with the
// telemetry backend over its WebSocket channel.
//
// Every frame in either direction is a text frame carrying
//
//	{"handler": "<discriminator>", "data": <handler-specific payload>}
//
// The package is pure data transformation: no I/O, no logging.
package protocol

import (
	"encoding/json"
)

// Handler is the envelope discriminator.
type Handler string

// Known handlers.
const (
	HandlerVerify      Handler = "verify"
	HandlerProfiles    Handler = "profiles"
	HandlerDigitalTwin Handler = "digital_twin"
)

// Known reports whether h is one of the handlers this package understands.
func (h Handler) Known() bool {
	switch h {
	case HandlerVerify, HandlerProfiles, HandlerDigitalTwin:
		return true
	}
	return false
}

// Envelope is the wire message unit.
type Envelope struct {
	Handler Handler         `json:"handler"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Marshal returns the JSON encoding of the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type verifyRequestData struct {
	Token string `json:"token"`
}

type digitalTwinRequestData struct {
	VIN string `json:"vin"`
}

// Document is a digital-twin telemetry document as sent by the backend.
// It is kept as a generic JSON tree so that sub-objects the client does not
// know about are passed through unchanged.
type Document map[string]any

// Response is a decoded inbound envelope. The concrete type is one of
// *VerifyResponse, *ProfilesResponse or *DigitalTwinResponse.
type Response interface {
	Handler() Handler
}

// VerifyResponse is the answer to a verify request.
type VerifyResponse struct {
	Authenticated bool
}

// Handler implements Response.
func (*VerifyResponse) Handler() Handler { return HandlerVerify }

// Profile is one vehicle profile attached to the account.
type Profile struct {
	VIN string `json:"vin"`
}

// ProfilesResponse is the answer to a profiles request.
type ProfilesResponse struct {
	Profiles []Profile
}

// Handler implements Response.
func (*ProfilesResponse) Handler() Handler { return HandlerProfiles }

// VIN returns the VIN of the first profile.
func (r *ProfilesResponse) VIN() string {
	if len(r.Profiles) == 0 {
		return ""
	}
	return r.Profiles[0].VIN
}

// DigitalTwinResponse carries a full telemetry document.
type DigitalTwinResponse struct {
	Document Document
}

// Handler implements Response.
func (*DigitalTwinResponse) Handler() Handler { return HandlerDigitalTwin }
