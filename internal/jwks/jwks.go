// Package jwks loads JSON Web Key Sets and resolves verification keys by key id.
package jwks

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/obs"
)

// Set is an immutable set of public keys indexed by key id.
type Set struct {
	storage jwkset.Storage
	kf      keyfunc.Keyfunc
	kids    []string
}

var legacyWarning sync.Once

// Load parses a key set in the canonical {"keys": {kid: jwk}} form. The
// RFC 7517 list form {"keys": [jwk, ...]} is still accepted but deprecated.
// Every key is validated here so that a bad entry fails at start-up.
func Load(raw []byte) (*Set, error) {
	var doc struct {
		Keys json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("decode jwks: %w", err))
	}
	doc.Keys = bytes.TrimSpace(doc.Keys)
	if len(doc.Keys) == 0 || bytes.Equal(doc.Keys, []byte("null")) {
		return nil, auth.Errorf(auth.ErrConfiguration, "jwks has no keys member")
	}

	entries := map[string]json.RawMessage{}
	switch doc.Keys[0] {
	case '{':
		if err := json.Unmarshal(doc.Keys, &entries); err != nil {
			return nil, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("decode jwks keys: %w", err))
		}
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(doc.Keys, &list); err != nil {
			return nil, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("decode jwks keys: %w", err))
		}
		legacyWarning.Do(func() {
			obs.Component("jwks").Warn("jwks keys given as a list; use a mapping keyed by kid")
		})
		for i, item := range list {
			var head struct {
				KID string `json:"kid"`
			}
			if err := json.Unmarshal(item, &head); err != nil || head.KID == "" {
				return nil, auth.Errorf(auth.ErrConfiguration, fmt.Sprintf("jwk %d has no kid", i))
			}
			if _, dup := entries[head.KID]; dup {
				return nil, auth.Errorf(auth.ErrConfiguration, fmt.Sprintf("duplicate kid %q", head.KID))
			}
			entries[head.KID] = item
		}
	default:
		return nil, auth.Errorf(auth.ErrConfiguration, "jwks keys must be a mapping")
	}
	if len(entries) == 0 {
		return nil, auth.Errorf(auth.ErrConfiguration, "jwks contains no keys")
	}

	keys := make([]jwkset.JWK, 0, len(entries))
	for kid, entry := range entries {
		jwk, err := parseJWK(kid, entry)
		if err != nil {
			return nil, err
		}
		keys = append(keys, jwk)
	}
	return newSet(keys)
}

// LoadFile reads and parses a key set from path.
func LoadFile(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("read jwks %s: %w", path, err))
	}
	set, err := Load(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid jwk set at %s: %w", path, err)
	}
	return set, nil
}

// parseJWK validates one entry and pins its kid to the map key.
func parseJWK(kid string, entry json.RawMessage) (jwkset.JWK, error) {
	var fields map[string]any
	if err := json.Unmarshal(entry, &fields); err != nil {
		return jwkset.JWK{}, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("jwk %q: %w", kid, err))
	}
	if own, ok := fields["kid"].(string); ok && own != "" && own != kid {
		return jwkset.JWK{}, auth.Errorf(auth.ErrConfiguration, fmt.Sprintf("jwk %q declares kid %q", kid, own))
	}
	fields["kid"] = kid
	pinned, err := json.Marshal(fields)
	if err != nil {
		return jwkset.JWK{}, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("jwk %q: %w", kid, err))
	}
	jwk, err := jwkset.NewJWKFromRawJSON(pinned, jwkset.JWKMarshalOptions{}, jwkset.JWKValidateOptions{})
	if err != nil {
		return jwkset.JWK{}, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("jwk %q: %w", kid, err))
	}
	return jwk, nil
}

func newSet(keys []jwkset.JWK) (*Set, error) {
	ctx := context.Background()
	storage := jwkset.NewMemoryStorage()
	kids := make([]string, 0, len(keys))
	for _, jwk := range keys {
		if err := storage.KeyWrite(ctx, jwk); err != nil {
			return nil, auth.Wrap(auth.ErrConfiguration, err)
		}
		kids = append(kids, jwk.Marshal().KID)
	}
	sort.Strings(kids)

	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("create keyfunc: %w", err))
	}
	obs.Component("jwks").Debug("key set loaded", zap.Strings("kids", kids))
	return &Set{storage: storage, kf: kf, kids: kids}, nil
}

// FromPublicKeys builds a set of RS512 signing keys.
func FromPublicKeys(keys map[string]*rsa.PublicKey) (*Set, error) {
	if len(keys) == 0 {
		return nil, auth.Errorf(auth.ErrConfiguration, "jwks contains no keys")
	}
	jwks := make([]jwkset.JWK, 0, len(keys))
	for kid, pub := range keys {
		jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{
			Metadata: jwkset.JWKMetadataOptions{
				ALG: jwkset.AlgRS512,
				KID: kid,
				USE: jwkset.UseSig,
			},
		})
		if err != nil {
			return nil, auth.Wrap(auth.ErrConfiguration, fmt.Errorf("jwk %q: %w", kid, err))
		}
		jwks = append(jwks, jwk)
	}
	return newSet(jwks)
}

// Resolve returns the public key registered under kid.
func (s *Set) Resolve(ctx context.Context, kid string) (any, error) {
	jwk, err := s.storage.KeyRead(ctx, kid)
	if errors.Is(err, jwkset.ErrKeyNotFound) {
		return nil, auth.Errorf(auth.ErrMissingKey, fmt.Sprintf("no key with kid %q", kid))
	}
	if err != nil {
		return nil, auth.Wrap(auth.ErrMissingKey, err)
	}
	return jwk.Key(), nil
}

// Keyfunc returns the verification hook for jwt parsing. It also rejects a
// token whose alg header disagrees with the key's declared alg.
func (s *Set) Keyfunc() jwt.Keyfunc {
	return s.kf.Keyfunc
}

// KeyIDs returns the key ids in the set, sorted.
func (s *Set) KeyIDs() []string {
	return append([]string(nil), s.kids...)
}

// Marshal renders the set in the canonical {"keys": {kid: jwk}} form.
func (s *Set) Marshal() ([]byte, error) {
	all, err := s.storage.KeyReadAll(context.Background())
	if err != nil {
		return nil, err
	}
	keys := make(map[string]jwkset.JWKMarshal, len(all))
	for _, jwk := range all {
		m := jwk.Marshal()
		keys[m.KID] = m
	}
	return json.Marshal(struct {
		Keys map[string]jwkset.JWKMarshal `json:"keys"`
	}{Keys: keys})
}

// KeyID derives a key id from the JSON form of a public JWK.
func KeyID(jwkJSON []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, jwkJSON); err != nil {
		return "", err
	}
	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Generate creates a 2048 bit RSA signing key and a one-key set for it. The
// key id is derived from the public JWK.
func Generate() (*rsa.PrivateKey, string, *Set, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", nil, err
	}
	jwk, err := jwkset.NewJWKFromKey(&priv.PublicKey, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{ALG: jwkset.AlgRS512, USE: jwkset.UseSig},
	})
	if err != nil {
		return nil, "", nil, err
	}
	raw, err := json.Marshal(jwk.Marshal())
	if err != nil {
		return nil, "", nil, err
	}
	kid, err := KeyID(raw)
	if err != nil {
		return nil, "", nil, err
	}
	set, err := FromPublicKeys(map[string]*rsa.PublicKey{kid: &priv.PublicKey})
	if err != nil {
		return nil, "", nil, err
	}
	return priv, kid, set, nil
}
