// Package session runs the WebSocket handshake that ends in either the
// vehicle's digital twin or its VIN.
//
// A run opens one socket, sends verify(token), and then answers each inbound
// message until the target response arrives:
//
//	verify -> profiles -> digital_twin
//
// Every run starts from fresh state; nothing is shared between runs.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/myfisker/internal/apierr"
	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/protocol"
)

// DefaultReadTimeout bounds every receive.
const DefaultReadTimeout = 10 * time.Second

// DefaultUserAgent is sent on connect; the backend rejects unknown agents.
const DefaultUserAgent = "MOBILE 1.0.0.0"

// closeGrace bounds the close handshake after a successful run.
const closeGrace = time.Second

// Observer is notified when a run ends, successfully or not.
type Observer func(target protocol.Handler, elapsed time.Duration, err error)

// Session dials the telemetry WebSocket. It holds configuration only and is
// safe for concurrent use; each Fetch call is an independent run.
type Session struct {
	url         string
	userAgent   string
	readTimeout time.Duration
	dialer      *websocket.Dialer
	observer    Observer
	logger      *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithReadTimeout sets the per-receive timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Session) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithDialer sets a custom WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithObserver registers a callback invoked at the end of every run.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Session for the WebSocket endpoint at url.
func New(url string, opts ...Option) *Session {
	s := &Session{
		url:         url,
		userAgent:   DefaultUserAgent,
		readTimeout: DefaultReadTimeout,
		logger:      logging.Session(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = s.readTimeout
		s.dialer = &d
	}
	return s
}

// URL returns the WebSocket endpoint.
func (s *Session) URL() string {
	return s.url
}

// FetchDigitalTwin runs the full handshake and returns the digital-twin document.
func (s *Session) FetchDigitalTwin(ctx context.Context, token string) (protocol.Document, error) {
	raw, err := s.run(ctx, token, protocol.HandlerDigitalTwin)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeDigitalTwinResponse(raw)
}

// FetchVin runs the handshake up to the profiles response and returns the
// first profile's VIN. It never requests the digital twin.
func (s *Session) FetchVin(ctx context.Context, token string) (string, error) {
	raw, err := s.run(ctx, token, protocol.HandlerProfiles)
	if err != nil {
		return "", err
	}
	vin, err := protocol.DecodeProfilesResponse(raw)
	if err != nil {
		return "", err
	}
	if vin == "" {
		return "", apierr.Data("fetch vin", "first profile has no vin", nil)
	}
	return vin, nil
}

// run performs one handshake and returns the raw target message.
func (s *Session) run(ctx context.Context, token string, target protocol.Handler) (raw []byte, err error) {
	logger := s.logger.With("target", string(target))
	st := newState(target, token, logger)

	start := time.Now()
	defer func() {
		if err != nil {
			err = st.finish(ctx, err)
		}
		if s.observer != nil {
			s.observer(target, time.Since(start), err)
		}
	}()

	header := http.Header{}
	header.Set("User-Agent", s.userAgent)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		detail := "dial failed"
		if resp != nil {
			detail = "dial failed: " + resp.Status
		}
		return nil, apierr.Connection("connect", detail, err)
	}
	defer conn.Close()

	// Cancelling ctx unblocks a pending read by closing the socket.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	first, err := st.start(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.send(conn, first); err != nil {
		return nil, s.connErr(ctx, "send verify", err)
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return nil, s.connErr(ctx, "receive", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, s.connErr(ctx, "receive "+st.Phase(), err)
		}

		out, done, err := st.step(ctx, msg)
		if err != nil {
			return nil, err
		}
		if done {
			if err := st.finish(ctx, nil); err != nil {
				return nil, err
			}
			s.closeGracefully(conn, logger)
			logger.Debug("Handshake complete", "duration", time.Since(start))
			return msg, nil
		}
		if out != nil {
			if err := s.send(conn, *out); err != nil {
				return nil, s.connErr(ctx, "send "+string(out.Handler), err)
			}
		}
	}
}

func (s *Session) send(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return err
	}
	s.logger.Debug("Sending message", "handler", string(env.Handler))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// closeGracefully sends a close frame. Failures are logged and swallowed: the
// run already has its result.
func (s *Session) closeGracefully(conn *websocket.Conn, logger *slog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		logger.Debug("Close after successful handshake failed", "error", err)
	}
}

// connErr classifies a socket failure as an apierr.ErrConnection.
func (s *Session) connErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apierr.Connection(op, "cancelled", ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierr.Connection(op, "timed out after "+s.readTimeout.String(), err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return apierr.Connection(op, "closed by server", err)
	}
	return apierr.Connection(op, "", err)
}
