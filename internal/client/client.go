// Package client is an HTTP client for service-to-service calls that keeps a
// valid access token on every request, either the service's own identity or
// an end user's assumed identity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/obs"
	"thunderstorm.io/auth/internal/token"
)

// Refresh failures.
var (
	ErrRefresh        = errors.New("refresh access token")
	ErrAssumeIdentity = errors.New("assume identity")
)

const (
	loginPath          = "/api/v1/auth/login"
	assumeIdentityPath = "/api/v1/auth/assume-identity"
)

// Decoder verifies tokens returned by the user service.
type Decoder interface {
	Decode(ctx context.Context, tok string, opts ...token.DecodeOption) (token.MapClaims, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Authenticator owns one access token and its refresh cycle.
type Authenticator interface {
	AccessToken() string
	NeedsRefresh() bool
	Refresh(ctx context.Context) error
}

type settings struct {
	http Doer
	now  func() time.Time
	log  *zap.Logger
}

// Option configures a Client and its authenticator.
type Option func(*settings)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(d Doer) Option {
	return func(s *settings) {
		if d != nil {
			s.http = d
		}
	}
}

// WithClock overrides the time source used to decide when to refresh.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{http: http.DefaultClient, now: time.Now, log: obs.Component("client")}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// session holds an access token and its expiry.
type session struct {
	mu     sync.RWMutex
	token  string
	expiry time.Time
	now    func() time.Time
}

func (s *session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// NeedsRefresh reports whether there is no token or it has expired.
func (s *session) NeedsRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token == "" || !s.now().Before(s.expiry)
}

func (s *session) set(tok string, expiry time.Time) {
	s.mu.Lock()
	s.token, s.expiry = tok, expiry
	s.mu.Unlock()
}

// Direct authenticates as the calling service by trading its refresh token
// at the user service login endpoint.
type Direct struct {
	session
	userService  string
	refreshToken string
	decoder      Decoder
	http         Doer
	log          *zap.Logger
}

var _ Authenticator = (*Direct)(nil)

// NewDirect returns a direct authenticator. accessToken may be empty, in
// which case the first request triggers a refresh.
func NewDirect(ctx context.Context, userService string, decoder Decoder, refreshToken, accessToken string, opts ...Option) (*Direct, error) {
	s := newSettings(opts)
	d := &Direct{
		session:      session{now: s.now},
		userService:  strings.TrimRight(userService, "/"),
		refreshToken: refreshToken,
		decoder:      decoder,
		http:         s.http,
		log:          s.log,
	}
	if accessToken != "" {
		exp, err := expiryOf(ctx, decoder, accessToken, token.WithoutExpiry())
		if err != nil {
			return nil, err
		}
		d.set(accessToken, exp)
	}
	return d, nil
}

// Refresh obtains a new access token for the service.
func (d *Direct) Refresh(ctx context.Context) error {
	req, err := tokenRequest(ctx, d.userService+loginPath, d.refreshToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefresh, err)
	}
	tok, exp, err := exchange(ctx, d.http, d.decoder, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefresh, err)
	}
	d.set(tok, exp)
	d.log.Debug("access token refreshed", zap.Time("expires_at", exp))
	return nil
}

// AssumedIdentity acts as an end user. Its token is renewed through the
// assume-identity endpoint using the parent client's own identity.
type AssumedIdentity struct {
	session
	parent *Client
	log    *zap.Logger
}

var _ Authenticator = (*AssumedIdentity)(nil)

// Refresh renews the end user token.
func (a *AssumedIdentity) Refresh(ctx context.Context) error {
	req, err := tokenRequest(ctx, a.parent.userService+assumeIdentityPath, a.AccessToken())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssumeIdentity, err)
	}
	tok, exp, err := exchange(ctx, a.parent, a.parent.decoder, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssumeIdentity, err)
	}
	a.set(tok, exp)
	a.log.Debug("assumed identity refreshed", zap.Time("expires_at", exp))
	return nil
}

// Client sends requests carrying the authenticator's token in token.Header.
type Client struct {
	auth        Authenticator
	userService string
	decoder     Decoder
	http        Doer
	now         func() time.Time
	log         *zap.Logger
}

// NewDirectClient returns a client authenticating as the calling service.
func NewDirectClient(ctx context.Context, userService string, decoder Decoder, refreshToken, accessToken string, opts ...Option) (*Client, error) {
	d, err := NewDirect(ctx, userService, decoder, refreshToken, accessToken, opts...)
	if err != nil {
		return nil, err
	}
	s := newSettings(opts)
	return &Client{
		auth:        d,
		userService: d.userService,
		decoder:     decoder,
		http:        s.http,
		now:         s.now,
		log:         s.log,
	}, nil
}

// Authenticator returns the client's authenticator.
func (c *Client) Authenticator() Authenticator { return c.auth }

// AssumeIdentity returns a client acting as the owner of accessToken.
func (c *Client) AssumeIdentity(ctx context.Context, accessToken string) (*Client, error) {
	exp, err := expiryOf(ctx, c.decoder, accessToken, token.WithoutExpiry())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssumeIdentity, err)
	}
	a := &AssumedIdentity{session: session{now: c.now}, parent: c, log: c.log}
	a.set(accessToken, exp)
	return &Client{
		auth:        a,
		userService: c.userService,
		decoder:     c.decoder,
		http:        c.http,
		now:         c.now,
		log:         c.log,
	}, nil
}

// Do sends req with the current access token, refreshing it first when it
// has expired. A 401 answer triggers one refresh and one resend, provided
// the token was not already refreshed for this call and the body can be
// replayed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	refreshed := false
	if c.auth.NeedsRefresh() {
		if err := c.auth.Refresh(ctx); err != nil {
			return nil, err
		}
		refreshed = true
	}

	resp, err := c.send(req, req.Body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || refreshed {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if err := c.auth.Refresh(ctx); err != nil {
		return nil, err
	}
	var body io.ReadCloser
	if req.GetBody != nil {
		if body, err = req.GetBody(); err != nil {
			return nil, err
		}
	}
	return c.send(req, body)
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// PostJSON issues an authenticated POST with v encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, url string, v any) (*http.Response, error) {
	req, err := jsonRequest(ctx, http.MethodPost, url, v)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) send(req *http.Request, body io.ReadCloser) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Body = body
	out.Header.Set(token.Header, c.auth.AccessToken())
	return c.http.Do(out)
}

func jsonRequest(ctx context.Context, method, url string, v any) (*http.Request, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func tokenRequest(ctx context.Context, url, tok string) (*http.Request, error) {
	return jsonRequest(ctx, http.MethodPost, url, map[string]string{"token": tok})
}

// exchange posts req and verifies the token in the {"token": ...} answer.
func exchange(ctx context.Context, d Doer, decoder Decoder, req *http.Request) (string, time.Time, error) {
	resp, err := d.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, fmt.Errorf("user service answered %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return "", time.Time{}, errors.New("token response has no token")
	}
	exp, err := expiryOf(ctx, decoder, out.Token)
	if err != nil {
		return "", time.Time{}, err
	}
	return out.Token, exp, nil
}

func expiryOf(ctx context.Context, decoder Decoder, tok string, opts ...token.DecodeOption) (time.Time, error) {
	claims, err := decoder.Decode(ctx, tok, opts...)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}
