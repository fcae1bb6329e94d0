package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/audit"
	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/events"
	"thunderstorm.io/auth/internal/obs"
	"thunderstorm.io/auth/internal/token"
)

// Decoder verifies a raw token and returns its claims.
type Decoder interface {
	Decode(ctx context.Context, tok string, opts ...token.DecodeOption) (token.MapClaims, error)
}

// Middleware authenticates requests carrying a thunderstorm token and
// enforces per-route permissions.
type Middleware struct {
	decoder  Decoder
	header   string
	leeway   *time.Duration
	service  string
	registry *auth.Registry
	has      auth.HasPermissionFunc
	auditor  *audit.Auditor
	log      *zap.Logger
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithHeader overrides token.Header.
func WithHeader(name string) Option {
	return func(m *Middleware) {
		if name != "" {
			m.header = name
		}
	}
}

// WithLeeway accepts tokens that expired less than d ago.
func WithLeeway(d time.Duration) Option {
	return func(m *Middleware) { m.leeway = &d }
}

// WithServiceName names the service whose permissions routes require.
func WithServiceName(name string) Option {
	return func(m *Middleware) { m.service = name }
}

// WithRegistry collects the permissions required by routes into r.
func WithRegistry(r *auth.Registry) Option {
	return func(m *Middleware) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithMembership checks role tokens against the role membership store.
func WithMembership(checker auth.MembershipChecker) Option {
	return func(m *Middleware) { m.has = auth.StorePredicate(checker) }
}

// WithPermissionFunc checks role tokens with a custom predicate.
func WithPermissionFunc(has auth.HasPermissionFunc) Option {
	return func(m *Middleware) { m.has = has }
}

// WithAuditor records every authenticated call wrapped by Audit.
func WithAuditor(a *audit.Auditor) Option {
	return func(m *Middleware) { m.auditor = a }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Middleware) {
		if l != nil {
			m.log = l
		}
	}
}

// New returns a middleware verifying tokens with decoder.
func New(decoder Decoder, opts ...Option) (*Middleware, error) {
	if decoder == nil {
		return nil, auth.Errorf(auth.ErrConfiguration, "no token decoder configured")
	}
	m := &Middleware{
		decoder:  decoder,
		header:   token.Header,
		registry: auth.NewRegistry(),
		log:      obs.Component("httpapi"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Registry returns the permissions registered by RequirePermission.
func (m *Middleware) Registry() *auth.Registry { return m.registry }

type principal struct {
	claims auth.Claims
	raw    map[string]any
	user   auth.User
	token  string
}

func (m *Middleware) authenticate(r *http.Request) (principal, error) {
	tok := r.Header.Get(m.header)
	if tok == "" {
		return principal{}, auth.Errorf(auth.ErrTokenHeaderMissing, fmt.Sprintf("missing %s header", m.header))
	}
	var opts []token.DecodeOption
	if m.leeway != nil {
		opts = append(opts, token.WithLeeway(*m.leeway))
	}
	raw, err := m.decoder.Decode(r.Context(), tok, opts...)
	if err != nil {
		return principal{}, err
	}
	claims, err := auth.ParseClaims(raw)
	if err != nil {
		return principal{}, err
	}
	if claims.Subject() == "" {
		return principal{}, auth.Errorf(auth.ErrBrokenToken, "token has no username")
	}
	return principal{claims: claims, raw: raw, user: auth.UserFrom(claims), token: tok}, nil
}

func (m *Middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request, p principal) {
	ctx := auth.ContextWithUser(r.Context(), p.user)
	ctx = auth.ContextWithClaims(ctx, p.raw)
	ctx = auth.ContextWithToken(ctx, p.token)
	if slot, ok := ctx.Value(auditSlotKey{}).(*auditSlot); ok {
		slot.user, slot.ok, slot.pattern = p.user, true, r.Pattern
	}
	next.ServeHTTP(w, r.WithContext(ctx))
}

// Authenticate requires a valid token and attaches the user, its claims
// and the raw token to the request context. It checks no permission.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.authenticate(r)
		if err != nil {
			m.reject(w, r, err)
			return
		}
		m.serve(next, w, r, p)
	})
}

// RequirePermission authenticates the request and requires permission on
// the configured service. The permission is registered so that it can be
// reconciled with the database. An empty permission panics: every
// authenticated route must name one.
func (m *Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	if permission == "" {
		panic("httpapi: route with auth but no permission is not allowed")
	}
	m.registry.Register(permission)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := m.authenticate(r)
			if err == nil {
				err = auth.ValidateClaims(r.Context(), p.claims, m.service, permission, m.has)
			}
			if err != nil {
				m.reject(w, r, err)
				return
			}
			m.serve(next, w, r, p)
		})
	}
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	status := auth.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		m.log.Error("authorization failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		m.log.Info("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeAuthError(w, r, err)
}

type auditSlotKey struct{}

type auditSlot struct {
	user    auth.User
	ok      bool
	pattern string
}

// Audit records every call to next once it completes. Calls that were not
// authenticated by an inner middleware are audited when their token is
// valid and skipped otherwise.
func (m *Middleware) Audit(next http.Handler) http.Handler {
	if m.auditor == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &auditSlot{}
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), auditSlotKey{}, slot))
		next.ServeHTTP(sw, r)

		user := slot.user
		if !slot.ok {
			p, err := m.authenticate(r)
			if err != nil {
				m.log.Warn("audit skipped", zap.String("path", r.URL.Path), zap.Error(err))
				return
			}
			user = p.user
		}
		rec := events.Audit{
			Method:   r.Method,
			Action:   action(r, slot.pattern),
			Endpoint: r.URL.Path,
			Username: user.Username(),
			Roles:    user.Roles(),
			Groups:   user.Groups(),
			Status:   fmt.Sprintf("%d %s", sw.code, http.StatusText(sw.code)),
		}
		if org := user.Organization(); org != "" {
			rec.OrganizationUUID = &org
		}
		if err := m.auditor.Record(r.Context(), rec); err != nil {
			m.log.Warn("audit failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
	})
}

func action(r *http.Request, pattern string) string {
	if pattern != "" {
		return pattern
	}
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Method + " " + r.URL.Path
}
