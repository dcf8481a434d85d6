package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inercia/myfisker/internal/auth"
	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/protocol"
	"github.com/inercia/myfisker/internal/session"
	"github.com/inercia/myfisker/internal/twin"
)

// Regions with built-in endpoints.
const (
	RegionEU = "eu"
	RegionNA = "na"
)

// Endpoints are the backend URLs of one region.
type Endpoints struct {
	TokenURL     string
	WebSocketURL string
}

var regionEndpoints = map[string]Endpoints{
	RegionEU: {
		TokenURL:     "https://gw.cec-euprd.com/auth/login_or_register",
		WebSocketURL: "wss://gw.cec-euprd.com/mobile",
	},
	RegionNA: {
		TokenURL:     "https://gw.cec-prd.com/auth/login_or_register",
		WebSocketURL: "wss://gw.cec-prd.com/mobile",
	},
}

// DefaultRegion is used when no region is configured.
const DefaultRegion = RegionEU

// RegionEndpoints returns the built-in endpoints for region.
func RegionEndpoints(region string) (Endpoints, error) {
	if region == "" {
		region = DefaultRegion
	}
	ep, ok := regionEndpoints[strings.ToLower(region)]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown region %q (want %s or %s)", region, RegionEU, RegionNA)
	}
	return ep, nil
}

// Client logs in and runs handshakes. It is safe for concurrent use.
type Client struct {
	endpoints   Endpoints
	httpClient  *http.Client
	timeout     time.Duration
	readTimeout time.Duration
	userAgent   string
	observer    session.Observer
	logger      *slog.Logger

	auth    *auth.Authenticator
	session *session.Session

	mu    sync.RWMutex
	creds auth.Credentials
}

// Option configures the client.
type Option func(*Client)

// WithRegion selects built-in endpoints. Unknown regions are ignored;
// validate them with RegionEndpoints first.
func WithRegion(region string) Option {
	return func(c *Client) {
		if ep, err := RegionEndpoints(region); err == nil {
			c.endpoints = ep
		}
	}
}

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.endpoints.TokenURL = u
		}
	}
}

// WithWebSocketURL overrides the WebSocket endpoint.
func WithWebSocketURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.endpoints.WebSocketURL = u
		}
	}
}

// WithHTTPClient sets the HTTP client used for the token request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds the token request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithReadTimeout bounds every WebSocket receive.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = d
	}
}

// WithUserAgent overrides the WebSocket User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithObserver is notified at the end of every handshake.
func WithObserver(o session.Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithLogger sets the base logger for the client and its components.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the account identified by creds.
func New(creds auth.Credentials, opts ...Option) *Client {
	def, _ := RegionEndpoints(DefaultRegion)
	c := &Client{
		endpoints:   def,
		timeout:     auth.DefaultTimeout,
		readTimeout: session.DefaultReadTimeout,
		userAgent:   session.DefaultUserAgent,
		creds:       creds,
	}
	for _, opt := range opts {
		opt(c)
	}

	authOpts := []auth.Option{auth.WithTimeout(c.timeout)}
	if c.httpClient != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(c.httpClient))
	}
	sessOpts := []session.Option{
		session.WithReadTimeout(c.readTimeout),
		session.WithUserAgent(c.userAgent),
		session.WithObserver(c.observer),
	}
	if c.logger != nil {
		authOpts = append(authOpts, auth.WithLogger(c.logger.With("component", "auth")))
		sessOpts = append(sessOpts, session.WithLogger(c.logger.With("component", "session")))
	} else {
		c.logger = logging.WithComponent("client")
	}

	c.auth = auth.New(c.endpoints.TokenURL, authOpts...)
	c.session = session.New(c.endpoints.WebSocketURL, sessOpts...)
	return c
}

// Endpoints returns the URLs the client talks to.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// SetCredentials replaces the credentials used by subsequent calls.
func (c *Client) SetCredentials(creds auth.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

func (c *Client) credentials() auth.Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// login fetches a fresh token.
func (c *Client) login(ctx context.Context) (string, error) {
	tok, err := c.auth.Authenticate(ctx, c.credentials())
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// FetchDigitalTwin logs in and returns the raw digital-twin document.
func (c *Client) FetchDigitalTwin(ctx context.Context) (protocol.Document, error) {
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	return c.session.FetchDigitalTwin(ctx, token)
}

// FetchSnapshot logs in, fetches the digital twin and returns it flattened.
func (c *Client) FetchSnapshot(ctx context.Context) (twin.Flat, error) {
	doc, err := c.FetchDigitalTwin(ctx)
	if err != nil {
		return nil, err
	}
	flat := twin.Flatten(doc)
	logging.WithVehicle(c.logger, flat.Text(twin.KeyVIN)).Debug("Fetched snapshot", "keys", len(flat))
	return flat, nil
}

// FetchVin logs in and returns the first profile's VIN.
func (c *Client) FetchVin(ctx context.Context) (string, error) {
	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	return c.session.FetchVin(ctx, token)
}
