// Package tsauth is the importable surface of the thunderstorm auth library:
// the HTTP middleware guarding service routes, the token codec it verifies
// with, the audit recorder and the service-to-service client.
package tsauth

import (
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/audit"
	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/client"
	"thunderstorm.io/auth/internal/config"
	"thunderstorm.io/auth/internal/httpapi"
	"thunderstorm.io/auth/internal/jwks"
	"thunderstorm.io/auth/internal/messaging"
	"thunderstorm.io/auth/internal/token"
)

type (
	Config = config.Config

	Middleware = httpapi.Middleware
	Option     = httpapi.Option
	Decoder    = httpapi.Decoder

	KeySet       = jwks.Set
	Codec        = token.Codec
	CodecOption  = token.Option
	DecodeOption = token.DecodeOption
	Claims       = token.MapClaims

	User              = auth.User
	Registry          = auth.Registry
	PermissionRef     = auth.PermissionRef
	MembershipChecker = auth.MembershipChecker
	HasPermissionFunc = auth.HasPermissionFunc
	Error             = auth.Error

	Auditor     = audit.Auditor
	AuditOption = audit.Option

	Publisher       = messaging.Publisher
	PublisherOption = messaging.PublisherOption

	Client        = client.Client
	ClientOption  = client.Option
	Authenticator = client.Authenticator
)

// Middleware.
var (
	New                = httpapi.New
	WithHeader         = httpapi.WithHeader
	WithLeeway         = httpapi.WithLeeway
	WithServiceName    = httpapi.WithServiceName
	WithRegistry       = httpapi.WithRegistry
	WithMembership     = httpapi.WithMembership
	WithPermissionFunc = httpapi.WithPermissionFunc
	WithAuditor        = httpapi.WithAuditor
	WithLogger         = httpapi.WithLogger
	RequestID          = httpapi.RequestID
)

// Keys and tokens.
var (
	LoadKeys          = jwks.LoadFile
	NewCodec          = token.NewCodec
	WithDefaultLeeway = token.WithDefaultLeeway
	Encode            = token.Encode
)

// Identity.
var (
	NewRegistry     = auth.NewRegistry
	UserFromContext = auth.UserFromContext
	HTTPStatus      = auth.HTTPStatus
)

// Audit.
var (
	NewAuditor          = audit.New
	WithAuditPublisher  = audit.WithPublisher
	WithAuditMessageTTL = audit.WithMessageTTL
	DialBroker          = messaging.Dial
	NewPublisher        = messaging.NewPublisher
	WithAppID           = messaging.WithAppID
)

// Client.
var (
	NewDirectClient  = client.NewDirectClient
	WithHTTPClient   = client.WithHTTPClient
	WithClock        = client.WithClock
	WithClientLogger = client.WithLogger
)

// Errors.
var (
	ErrConfiguration           = auth.ErrConfiguration
	ErrToken                   = auth.ErrToken
	ErrExpiredToken            = auth.ErrExpiredToken
	ErrInsufficientPermissions = auth.ErrInsufficientPermissions
	ErrRefresh                 = client.ErrRefresh
	ErrAssumeIdentity          = client.ErrAssumeIdentity
)

// LoadConfig reads TS_SERVICE_NAME and the TS_AUTH_* environment.
func LoadConfig() (*Config, error) { return config.Load() }

// FromConfig builds a middleware for cfg: keys from cfg.JWKSPath, the
// configured header, leeway and service name, and an auditor logging calls
// with cfg.AuditMessageTTL. opts are applied last, so WithAuditor or
// WithMembership given by the caller take effect.
func FromConfig(cfg *Config, log *zap.Logger, opts ...Option) (*Middleware, error) {
	if cfg == nil {
		return nil, auth.Errorf(auth.ErrConfiguration, "no configuration")
	}
	set, err := jwks.LoadFile(cfg.JWKSPath)
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec(set, token.WithDefaultLeeway(cfg.Leeway))
	if err != nil {
		return nil, err
	}
	auditOpts := []audit.Option{audit.WithMessageTTL(cfg.AuditMessageTTL)}
	if log != nil {
		auditOpts = append(auditOpts, audit.WithLogger(log.Named("audit")))
	}
	base := []Option{
		httpapi.WithHeader(cfg.TokenHeader),
		httpapi.WithServiceName(cfg.ServiceName),
		httpapi.WithAuditor(audit.New(auditOpts...)),
	}
	if log != nil {
		base = append(base, httpapi.WithLogger(log.Named("httpapi")))
	}
	return httpapi.New(codec, append(base, opts...)...)
}
