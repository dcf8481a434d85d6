package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inercia/myfisker/internal/apierr"
)

// ErrUnknownHandler is wrapped by Decode when the envelope discriminator is
// not one of the known handlers. It always comes with apierr.ErrProtocol.
var ErrUnknownHandler = errors.New("unknown handler")

// EncodeVerifyRequest builds {"handler":"verify","data":{"token":token}}.
func EncodeVerifyRequest(token string) Envelope {
	data, _ := json.Marshal(verifyRequestData{Token: token})
	return Envelope{Handler: HandlerVerify, Data: data}
}

// EncodeProfilesRequest builds {"handler":"profiles"}.
func EncodeProfilesRequest() Envelope {
	return Envelope{Handler: HandlerProfiles}
}

// EncodeDigitalTwinRequest builds {"handler":"digital_twin","data":{"vin":vin}}.
func EncodeDigitalTwinRequest(vin string) Envelope {
	data, _ := json.Marshal(digitalTwinRequestData{VIN: vin})
	return Envelope{Handler: HandlerDigitalTwin, Data: data}
}

// PeekHandler extracts the discriminator without decoding the payload.
func PeekHandler(raw []byte) (Handler, error) {
	var head struct {
		Handler *string `json:"handler"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", apierr.Protocol("peek handler", "malformed envelope", err)
	}
	if head.Handler == nil {
		return "", apierr.Protocol("peek handler", "missing handler field", nil)
	}
	return Handler(*head.Handler), nil
}

// Decode parses raw into the response variant selected by its handler.
// Unknown handlers are rejected with an error matching both
// apierr.ErrProtocol and ErrUnknownHandler.
func Decode(raw []byte) (Response, error) {
	env, err := unmarshalEnvelope("decode", raw)
	if err != nil {
		return nil, err
	}

	switch env.Handler {
	case HandlerVerify:
		return decodeVerify(env)
	case HandlerProfiles:
		return decodeProfiles(env)
	case HandlerDigitalTwin:
		return decodeDigitalTwin(env)
	default:
		return nil, apierr.Protocol("decode", fmt.Sprintf("handler %q", env.Handler), ErrUnknownHandler)
	}
}

// DecodeVerifyResponse returns the authenticated flag of a verify response.
func DecodeVerifyResponse(raw []byte) (bool, error) {
	env, err := expect("decode verify", raw, HandlerVerify)
	if err != nil {
		return false, err
	}
	resp, err := decodeVerify(env)
	if err != nil {
		return false, err
	}
	return resp.Authenticated, nil
}

// DecodeProfilesResponse returns the VIN of the first profile.
// An empty or missing profile list is an apierr.ErrData failure.
func DecodeProfilesResponse(raw []byte) (string, error) {
	env, err := expect("decode profiles", raw, HandlerProfiles)
	if err != nil {
		return "", err
	}
	resp, err := decodeProfiles(env)
	if err != nil {
		return "", err
	}
	return resp.VIN(), nil
}

// DecodeDigitalTwinResponse returns the data object of a digital_twin response unchanged.
func DecodeDigitalTwinResponse(raw []byte) (Document, error) {
	env, err := expect("decode digital twin", raw, HandlerDigitalTwin)
	if err != nil {
		return nil, err
	}
	resp, err := decodeDigitalTwin(env)
	if err != nil {
		return nil, err
	}
	return resp.Document, nil
}

func unmarshalEnvelope(op string, raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, apierr.Protocol(op, "malformed envelope", err)
	}
	return env, nil
}

func expect(op string, raw []byte, want Handler) (Envelope, error) {
	env, err := unmarshalEnvelope(op, raw)
	if err != nil {
		return Envelope{}, err
	}
	if env.Handler != want {
		return Envelope{}, apierr.Protocol(op, fmt.Sprintf("expected handler %q, got %q", want, env.Handler), nil)
	}
	return env, nil
}

// isNull reports whether a raw payload is absent or JSON null.
func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeVerify(env Envelope) (*VerifyResponse, error) {
	if isNull(env.Data) {
		return nil, apierr.Protocol("decode verify", "missing data", nil)
	}
	var data struct {
		Authenticated any `json:"authenticated"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apierr.Protocol("decode verify", "malformed data", err)
	}
	// Only a JSON true counts; "true" strings or 1 do not.
	return &VerifyResponse{Authenticated: data.Authenticated == true}, nil
}

func decodeProfiles(env Envelope) (*ProfilesResponse, error) {
	var profiles []Profile
	if !isNull(env.Data) {
		if err := json.Unmarshal(env.Data, &profiles); err != nil {
			return nil, apierr.Protocol("decode profiles", "data is not a profile list", err)
		}
	}
	if len(profiles) == 0 {
		return nil, apierr.Data("decode profiles", "no vehicle profiles on account", nil)
	}
	return &ProfilesResponse{Profiles: profiles}, nil
}

func decodeDigitalTwin(env Envelope) (*DigitalTwinResponse, error) {
	if isNull(env.Data) {
		return nil, apierr.Protocol("decode digital twin", "missing data", nil)
	}
	var doc Document
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		return nil, apierr.Protocol("decode digital twin", "data is not an object", err)
	}
	return &DigitalTwinResponse{Document: doc}, nil
}
