// Package token decodes and encodes the signed identity tokens services
// exchange in the X-Thunderstorm-Key header.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/obs"
)

const (
	// Header is the default request header carrying the token.
	Header = "X-Thunderstorm-Key"
	// DefaultLifetime is the validity of tokens minted by Encode.
	DefaultLifetime = 15 * time.Minute
)

// DefaultAlgorithms lists the signing algorithms accepted by a Codec.
var DefaultAlgorithms = []string{jwt.SigningMethodRS512.Alg()}

// MapClaims is the raw decoded payload.
type MapClaims = jwt.MapClaims

// KeySet resolves verification keys by key id.
type KeySet interface {
	Resolve(ctx context.Context, kid string) (any, error)
	Keyfunc() jwt.Keyfunc
}

// Codec verifies tokens against a key set. It holds no per-call state and is
// safe for concurrent use.
type Codec struct {
	keys       KeySet
	algorithms []string
	leeway     time.Duration
	now        func() time.Time
}

// Option configures a Codec.
type Option func(*Codec) error

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) error {
		if now == nil {
			return errors.New("token: nil clock")
		}
		c.now = now
		return nil
	}
}

// WithAlgorithms replaces the allow-listed signing algorithms.
func WithAlgorithms(algs ...string) Option {
	return func(c *Codec) error {
		if len(algs) == 0 {
			return errors.New("token: no algorithms allowed")
		}
		c.algorithms = append([]string(nil), algs...)
		return nil
	}
}

// WithDefaultLeeway sets the leeway used when Decode is not given one.
func WithDefaultLeeway(d time.Duration) Option {
	return func(c *Codec) error {
		if d < 0 {
			return errors.New("token: negative leeway")
		}
		c.leeway = d
		return nil
	}
}

// NewCodec returns a codec verifying against keys.
func NewCodec(keys KeySet, opts ...Option) (*Codec, error) {
	if keys == nil {
		return nil, auth.Errorf(auth.ErrConfiguration, "no jwks configured")
	}
	c := &Codec{
		keys:       keys,
		algorithms: DefaultAlgorithms,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, auth.Wrap(auth.ErrConfiguration, err)
		}
	}
	return c, nil
}

type decodeOptions struct {
	leeway       time.Duration
	verifyExpiry bool
}

// DecodeOption adjusts a single Decode call.
type DecodeOption func(*decodeOptions)

// WithLeeway accepts tokens that expired less than d ago. Negative values
// are treated as zero.
func WithLeeway(d time.Duration) DecodeOption {
	if d < 0 {
		d = 0
	}
	return func(o *decodeOptions) { o.leeway = d }
}

// WithoutExpiry skips the expiry check, e.g. to read an expired token before refreshing it.
func WithoutExpiry() DecodeOption {
	return func(o *decodeOptions) { o.verifyExpiry = false }
}

// Decode verifies token and returns its claims. Errors are ErrBrokenToken,
// ErrMissingKey, ErrTokenDecode or ErrExpiredToken.
func (c *Codec) Decode(ctx context.Context, token string, opts ...DecodeOption) (MapClaims, error) {
	claims, err := c.decode(ctx, token, opts)
	if err != nil {
		obs.ObserveDecode(string(auth.KindOf(err)))
		return nil, err
	}
	obs.ObserveDecode("ok")
	return claims, nil
}

func (c *Codec) decode(ctx context.Context, token string, opts []DecodeOption) (MapClaims, error) {
	o := decodeOptions{leeway: c.leeway, verifyExpiry: true}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.Count(token, ".") != 2 {
		return nil, auth.Errorf(auth.ErrBrokenToken, "malformed token")
	}
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, auth.Wrap(auth.ErrBrokenToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	alg, _ := unverified.Header["alg"].(string)
	if kid == "" || alg == "" {
		return nil, auth.Errorf(auth.ErrBrokenToken, "token header lacks kid or alg")
	}

	if _, err := c.keys.Resolve(ctx, kid); err != nil {
		return nil, err
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(c.algorithms),
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(o.leeway),
	}
	if !o.verifyExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, c.keys.Keyfunc(), parserOpts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.Wrap(auth.ErrExpiredToken, err)
		}
		return nil, auth.Wrap(auth.ErrTokenDecode, err)
	}
	return claims, nil
}

// Encode signs claims with key using RS512. iat and exp are set from now and
// lifetime, DefaultLifetime when lifetime is zero.
func Encode(key *rsa.PrivateKey, kid string, claims map[string]any, lifetime time.Duration) (string, error) {
	return encodeAt(key, kid, claims, lifetime, time.Now())
}

func encodeAt(key *rsa.PrivateKey, kid string, claims map[string]any, lifetime time.Duration, now time.Time) (string, error) {
	if key == nil {
		return "", errors.New("token: nil signing key")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	payload := make(jwt.MapClaims, len(claims)+2)
	for k, v := range claims {
		payload[k] = v
	}
	payload["iat"] = now.Unix()
	payload["exp"] = now.Add(lifetime).Unix()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, payload)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Expiry reads the exp claim without verifying the signature or expiry.
func Expiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, auth.Wrap(auth.ErrBrokenToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, auth.Errorf(auth.ErrBrokenToken, "token has no exp claim")
	}
	return exp.Time, nil
}
