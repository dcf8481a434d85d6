// Package backendtest provides an in-process telemetry backend for tests:
// a token endpoint and a scripted WebSocket that speaks the
// verify/profiles/digital_twin protocol.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/inercia/myfisker/internal/protocol"
)

// Paths served by the Backend.
const (
	TokenPath     = "/auth/login_or_register"
	WebSocketPath = "/mobile"
)

// Defaults used when the corresponding Backend field is empty.
const (
	DefaultUsername = "owner@example.com"
	DefaultPassword = "hunter2"
	DefaultToken    = "test-access-token"
	DefaultVIN      = "XYZ123"
)

// Responder produces the raw frames sent back for one inbound request.
// Returning no frames leaves the client waiting.
type Responder func(req protocol.Envelope) []string

// Backend is a scripted fake backend. Configure the exported fields before
// the first connection.
type Backend struct {
	Username string
	Password string
	Token    string
	VIN      string
	// Twin is the digital-twin document. A nil Twin gets DefaultTwin.
	Twin map[string]any

	// Respond replaces the default replies when set.
	Respond Responder

	// CloseOn makes the server drop the connection after receiving this handler.
	CloseOn protocol.Handler

	server *httptest.Server

	mu         sync.Mutex
	received   []protocol.Handler
	userAgents []string
	tokenCalls int
}

// New starts a Backend and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(TokenPath, b.handleToken)
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade failed: %v", err)
			return
		}
		b.mu.Lock()
		b.userAgents = append(b.userAgents, r.Header.Get("User-Agent"))
		b.mu.Unlock()
		b.serve(conn)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

// DefaultTwin returns a digital-twin document with the usual sections.
func DefaultTwin(vin string) map[string]any {
	return map[string]any{
		"vin":     vin,
		"online":  true,
		"updated": "2024-03-01T12:00:00Z",
		"ip":      "10.1.2.3",
		"vehicle_speed": map[string]any{
			"speed": 0.0,
		},
		"battery": map[string]any{
			"state_of_charge":        80.0,
			"percent":                80.0,
			"avg_cell_temp":          19.5,
			"charge_type":            "none",
			"max_miles":              220.0,
			"total_mileage_odometer": 4321.0,
		},
		"doors": map[string]any{
			"driver":    map[string]any{"is_open": false},
			"passenger": map[string]any{"is_open": false},
		},
		"windows": []any{false, false, true, false},
	}
}

// TokenURL returns the token endpoint URL.
func (b *Backend) TokenURL() string {
	return b.server.URL + TokenPath
}

// WebSocketURL returns the ws:// URL of the telemetry socket.
func (b *Backend) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + WebSocketPath
}

// Received returns the handlers of every request received, in order.
func (b *Backend) Received() []protocol.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Handler(nil), b.received...)
}

// Count returns how many requests with handler h were received.
func (b *Backend) Count(h protocol.Handler) int {
	n := 0
	for _, got := range b.Received() {
		if got == h {
			n++
		}
	}
	return n
}

// UserAgents returns the User-Agent header of every WebSocket connection.
func (b *Backend) UserAgents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.userAgents...)
}

// TokenCalls returns how many token requests were received.
func (b *Backend) TokenCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokenCalls
}

func (b *Backend) username() string { return or(b.Username, DefaultUsername) }
func (b *Backend) password() string { return or(b.Password, DefaultPassword) }
func (b *Backend) token() string    { return or(b.Token, DefaultToken) }
func (b *Backend) vin() string      { return or(b.VIN, DefaultVIN) }

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (b *Backend) handleToken(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.tokenCalls++
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost || r.ParseForm() != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"message": "bad request"})
		return
	}
	if r.PostForm.Get("username") != b.username() || r.PostForm.Get("password") != b.password() {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"accessToken": b.token()})
}

func (b *Backend) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Envelope
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, req.Handler)
		b.mu.Unlock()

		if b.CloseOn != "" && req.Handler == b.CloseOn {
			return
		}

		respond := b.Respond
		if respond == nil {
			respond = b.defaultRespond
		}
		for _, frame := range respond(req) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}
}

func (b *Backend) defaultRespond(req protocol.Envelope) []string {
	switch req.Handler {
	case protocol.HandlerVerify:
		var data struct {
			Token string `json:"token"`
		}
		json.Unmarshal(req.Data, &data)
		return []string{VerifyFrame(data.Token == b.token())}
	case protocol.HandlerProfiles:
		return []string{ProfilesFrame(b.vin())}
	case protocol.HandlerDigitalTwin:
		twin := b.Twin
		if twin == nil {
			twin = DefaultTwin(b.vin())
		}
		return []string{DigitalTwinFrame(twin)}
	}
	return nil
}

// VerifyFrame encodes a verify response.
func VerifyFrame(authenticated bool) string {
	return frame(protocol.HandlerVerify, map[string]any{"authenticated": authenticated})
}

// ProfilesFrame encodes a profiles response listing vins in order.
func ProfilesFrame(vins ...string) string {
	profiles := make([]map[string]any, 0, len(vins))
	for _, v := range vins {
		profiles = append(profiles, map[string]any{"vin": v})
	}
	return frame(protocol.HandlerProfiles, profiles)
}

// DigitalTwinFrame encodes a digital_twin response.
func DigitalTwinFrame(doc map[string]any) string {
	return frame(protocol.HandlerDigitalTwin, doc)
}

func frame(h protocol.Handler, data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	out, err := protocol.Envelope{Handler: h, Data: raw}.Marshal()
	if err != nil {
		panic(err)
	}
	return string(out)
}
