package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inercia/myfisker/internal/apierr"
	"github.com/inercia/myfisker/internal/backendtest"
	"github.com/inercia/myfisker/internal/protocol"
)

func TestFetchDigitalTwin_HappyPath(t *testing.T) {
	b := backendtest.New(t)
	s := New(b.WebSocketURL(), WithReadTimeout(2*time.Second))

	doc, err := s.FetchDigitalTwin(context.Background(), backendtest.DefaultToken)
	if err != nil {
		t.Fatalf("FetchDigitalTwin() error = %v", err)
	}
	if doc["vin"] != backendtest.DefaultVIN {
		t.Errorf("vin = %v, want %s", doc["vin"], backendtest.DefaultVIN)
	}
	battery, _ := doc["battery"].(map[string]any)
	if battery["state_of_charge"] != float64(80) {
		t.Errorf("state_of_charge = %v, want 80", battery["state_of_charge"])
	}

	want := []protocol.Handler{protocol.HandlerVerify, protocol.HandlerProfiles, protocol.HandlerDigitalTwin}
	got := b.Received()
	if len(got) != len(want) {
		t.Fatalf("received = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("received[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if ua := b.UserAgents(); len(ua) != 1 || ua[0] != DefaultUserAgent {
		t.Errorf("User-Agent = %v, want %q", ua, DefaultUserAgent)
	}
}

func TestFetchVin(t *testing.T) {
	b := backendtest.New(t)
	b.VIN = "VIN-ONLY"
	s := New(b.WebSocketURL(), WithReadTimeout(2*time.Second))

	vin, err := s.FetchVin(context.Background(), backendtest.DefaultToken)
	if err != nil {
		t.Fatalf("FetchVin() error = %v", err)
	}
	if vin != "VIN-ONLY" {
		t.Errorf("FetchVin() = %q, want VIN-ONLY", vin)
	}
	if n := b.Count(protocol.HandlerDigitalTwin); n != 0 {
		t.Errorf("digital_twin requests = %d, want 0", n)
	}
}

func TestFetchVin_EmptyVIN(t *testing.T) {
	b := backendtest.New(t)
	b.Respond = func(req protocol.Envelope) []string {
		switch req.Handler {
		case protocol.HandlerVerify:
			return []string{backendtest.VerifyFrame(true)}
		case protocol.HandlerProfiles:
			return []string{backendtest.ProfilesFrame("")}
		}
		return nil
	}

	_, err := New(b.WebSocketURL()).FetchVin(context.Background(), "tok")
	if !errors.Is(err, apierr.ErrData) {
		t.Errorf("FetchVin() error = %v, want ErrData", err)
	}
}

func TestFetch_NotAuthenticatedTimesOut(t *testing.T) {
	b := backendtest.New(t)
	b.Respond = func(req protocol.Envelope) []string {
		if req.Handler == protocol.HandlerVerify {
			return []string{backendtest.VerifyFrame(false)}
		}
		return nil
	}
	s := New(b.WebSocketURL(), WithReadTimeout(150*time.Millisecond))

	start := time.Now()
	_, err := s.FetchDigitalTwin(context.Background(), "rejected-token")
	if !errors.Is(err, apierr.ErrConnection) {
		t.Fatalf("FetchDigitalTwin() error = %v, want ErrConnection", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("returned after %v, before the read timeout", elapsed)
	}
	if n := b.Count(protocol.HandlerProfiles); n != 0 {
		t.Errorf("profiles requests = %d, want 0", n)
	}
}

func TestFetch_DuplicateVerifyIgnored(t *testing.T) {
	b := backendtest.New(t)
	b.Respond = func(req protocol.Envelope) []string {
		switch req.Handler {
		case protocol.HandlerVerify:
			return []string{backendtest.VerifyFrame(true), backendtest.VerifyFrame(true)}
		case protocol.HandlerProfiles:
			return []string{backendtest.ProfilesFrame("XYZ123"), backendtest.ProfilesFrame("XYZ123")}
		case protocol.HandlerDigitalTwin:
			return []string{backendtest.DigitalTwinFrame(backendtest.DefaultTwin("XYZ123"))}
		}
		return nil
	}

	doc, err := New(b.WebSocketURL(), WithReadTimeout(2*time.Second)).FetchDigitalTwin(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchDigitalTwin() error = %v", err)
	}
	if doc["vin"] != "XYZ123" {
		t.Errorf("vin = %v", doc["vin"])
	}
	if n := b.Count(protocol.HandlerProfiles); n != 1 {
		t.Errorf("profiles requests = %d, want 1", n)
	}
	if n := b.Count(protocol.HandlerDigitalTwin); n != 1 {
		t.Errorf("digital_twin requests = %d, want 1", n)
	}
}

func TestFetch_UnknownHandlerSkipped(t *testing.T) {
	b := backendtest.New(t)
	b.Respond = func(req protocol.Envelope) []string {
		switch req.Handler {
		case protocol.HandlerVerify:
			return []string{`{"handler":"car_status","data":{}}`, backendtest.VerifyFrame(true)}
		case protocol.HandlerProfiles:
			return []string{backendtest.ProfilesFrame("XYZ123")}
		case protocol.HandlerDigitalTwin:
			return []string{backendtest.DigitalTwinFrame(map[string]any{"vin": "XYZ123"})}
		}
		return nil
	}

	if _, err := New(b.WebSocketURL(), WithReadTimeout(2*time.Second)).FetchDigitalTwin(context.Background(), "tok"); err != nil {
		t.Fatalf("FetchDigitalTwin() error = %v", err)
	}
}

func TestFetch_ProfilesErrorPropagates(t *testing.T) {
	b := backendtest.New(t)
	b.Respond = func(req protocol.Envelope) []string {
		switch req.Handler {
		case protocol.HandlerVerify:
			return []string{backendtest.VerifyFrame(true)}
		case protocol.HandlerProfiles:
			return []string{backendtest.ProfilesFrame()}
		}
		return nil
	}

	_, err := New(b.WebSocketURL(), WithReadTimeout(2*time.Second)).FetchDigitalTwin(context.Background(), "tok")
	if !errors.Is(err, apierr.ErrData) {
		t.Errorf("FetchDigitalTwin() error = %v, want ErrData", err)
	}
}

func TestFetch_ServerClose(t *testing.T) {
	b := backendtest.New(t)
	b.CloseOn = protocol.HandlerProfiles

	_, err := New(b.WebSocketURL(), WithReadTimeout(2*time.Second)).FetchDigitalTwin(context.Background(), backendtest.DefaultToken)
	if !errors.Is(err, apierr.ErrConnection) {
		t.Errorf("FetchDigitalTwin() error = %v, want ErrConnection", err)
	}
}

func TestFetch_DialFailure(t *testing.T) {
	_, err := New("ws://127.0.0.1:1/mobile", WithReadTimeout(time.Second)).FetchDigitalTwin(context.Background(), "tok")
	if !errors.Is(err, apierr.ErrConnection) {
		t.Errorf("FetchDigitalTwin() error = %v, want ErrConnection", err)
	}
}

func TestFetch_ContextCancel(t *testing.T) {
	b := backendtest.New(t)
	b.Respond = func(protocol.Envelope) []string { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := New(b.WebSocketURL(), WithReadTimeout(10*time.Second)).FetchDigitalTwin(ctx, "tok")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FetchDigitalTwin() error = %v, want context.Canceled", err)
	}
	if !errors.Is(err, apierr.ErrConnection) {
		t.Errorf("FetchDigitalTwin() error = %v, want ErrConnection", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not abandon the run")
	}
}

func TestObserver(t *testing.T) {
	b := backendtest.New(t)

	var mu sync.Mutex
	var calls []protocol.Handler
	var lastErr error
	s := New(b.WebSocketURL(), WithReadTimeout(2*time.Second), WithObserver(func(target protocol.Handler, _ time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, target)
		lastErr = err
	}))

	if _, err := s.FetchVin(context.Background(), backendtest.DefaultToken); err != nil {
		t.Fatalf("FetchVin() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != protocol.HandlerProfiles || lastErr != nil {
		t.Errorf("observer calls = %v, err = %v", calls, lastErr)
	}
}
