// Package auth exchanges account credentials for a bearer token.
package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/inercia/myfisker/internal/apierr"
	"github.com/inercia/myfisker/internal/logging"
)

// DefaultTimeout bounds a single token request.
const DefaultTimeout = 10 * time.Second

// maxBodySize caps how much of the token response is read.
const maxBodySize = 1 << 20

// Credentials identify the account. They are passed by value and never logged.
type Credentials struct {
	Username string
	Password string
}

// Token is a bearer token returned by the backend.
type Token struct {
	Value string
	// ExpiresAt is the JWT "exp" claim when the token is a JWT, zero otherwise.
	ExpiresAt time.Time
}

// String hides the token value.
func (t Token) String() string {
	if t.Value == "" {
		return "<empty>"
	}
	return "<redacted>"
}

// LogValue keeps the token out of structured logs.
func (t Token) LogValue() slog.Value {
	if t.ExpiresAt.IsZero() {
		return slog.StringValue(t.String())
	}
	return slog.GroupValue(slog.Time("expires_at", t.ExpiresAt))
}

// tokenResponse is the body returned by the token endpoint. On success it
// carries accessToken; on failure message explains why.
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	Message     string `json:"message"`
}

// Authenticator performs the token exchange. It is safe for concurrent use.
type Authenticator struct {
	tokenURL   string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures the Authenticator.
type Option func(*Authenticator)

// WithHTTPClient sets a custom HTTP client. The client is used as is and
// never modified.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// WithTimeout bounds each token request, whichever HTTP client is used.
func WithTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Authenticator posting to tokenURL.
func New(tokenURL string, opts ...Option) *Authenticator {
	a := &Authenticator{
		tokenURL:   tokenURL,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     logging.Auth(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TokenURL returns the endpoint the Authenticator posts to.
func (a *Authenticator) TokenURL() string {
	return a.tokenURL
}

// Authenticate posts creds as a form and returns the access token.
// Every failure, including transport errors, is an apierr.ErrAuthentication.
// There is no retry.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	const op = "authenticate"

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, apierr.Authentication(op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Token{}, apierr.Authentication(op, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Token{}, apierr.Authentication(op, "read response", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, apierr.Authentication(op, "status "+resp.Status+": response is not JSON", err)
	}
	if tr.AccessToken == "" {
		detail := tr.Message
		if detail == "" {
			detail = "no access token in response (status " + resp.Status + ")"
		}
		return Token{}, apierr.Authentication(op, detail, nil)
	}

	tok := Token{Value: tr.AccessToken, ExpiresAt: expiry(tr.AccessToken)}
	a.logger.Debug("Authenticated",
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"token", tok)
	return tok, nil
}

// tokenAlgorithms are the signature algorithms accepted when peeking at a JWT.
var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// expiry returns the exp claim of raw without verifying the signature.
// Opaque tokens yield the zero time.
func expiry(raw string) time.Time {
	parsed, err := jwt.ParseSigned(raw, tokenAlgorithms)
	if err != nil {
		return time.Time{}
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}
	}
	if claims.Expiry == nil {
		return time.Time{}
	}
	return claims.Expiry.Time()
}
