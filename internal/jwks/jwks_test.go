package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"thunderstorm.io/auth/internal/auth"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func rsaJWK(pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"alg": "RS512",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestLoadCanonical(t *testing.T) {
	key := generateTestKey(t)
	raw := mustJSON(t, map[string]any{"keys": map[string]any{"key-1": rsaJWK(&key.PublicKey)}})

	set, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pub, err := set.Resolve(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok || !rsaPub.Equal(&key.PublicKey) {
		t.Fatalf("resolved unexpected key %T", pub)
	}
	if !reflect.DeepEqual(set.KeyIDs(), []string{"key-1"}) {
		t.Fatalf("unexpected kids %v", set.KeyIDs())
	}
}

func TestResolveUnknownKid(t *testing.T) {
	key := generateTestKey(t)
	set, err := FromPublicKeys(map[string]*rsa.PublicKey{"key-1": &key.PublicKey})
	if err != nil {
		t.Fatalf("FromPublicKeys: %v", err)
	}
	_, err = set.Resolve(context.Background(), "key-2")
	if !errors.Is(err, auth.ErrMissingKey) {
		t.Fatalf("expected missing key, got %v", err)
	}
	if errors.Is(err, auth.ErrTokenDecode) {
		t.Fatalf("missing key must not be a decode error")
	}
}

func TestLoadLegacyList(t *testing.T) {
	key := generateTestKey(t)
	jwk := rsaJWK(&key.PublicKey)
	jwk["kid"] = "key-1"
	set, err := Load(mustJSON(t, map[string]any{"keys": []any{jwk}}))
	if err != nil {
		t.Fatalf("Load list form: %v", err)
	}
	if _, err := set.Resolve(context.Background(), "key-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestLoadRejects(t *testing.T) {
	key := generateTestKey(t)
	jwk := rsaJWK(&key.PublicKey)
	noKid := rsaJWK(&key.PublicKey)
	broken := rsaJWK(&key.PublicKey)
	delete(broken, "n")
	mismatched := rsaJWK(&key.PublicKey)
	mismatched["kid"] = "other"

	cases := map[string][]byte{
		"not json":      []byte("{"),
		"empty map":     mustJSON(t, map[string]any{"keys": map[string]any{}}),
		"empty list":    mustJSON(t, map[string]any{"keys": []any{}}),
		"flat":          mustJSON(t, map[string]any{"key-1": jwk}),
		"scalar keys":   mustJSON(t, map[string]any{"keys": "key-1"}),
		"list no kid":   mustJSON(t, map[string]any{"keys": []any{noKid}}),
		"malformed jwk": mustJSON(t, map[string]any{"keys": map[string]any{"key-1": broken}}),
		"kid mismatch":  mustJSON(t, map[string]any{"keys": map[string]any{"key-1": mismatched}}),
	}
	for name, raw := range cases {
		if _, err := Load(raw); !errors.Is(err, auth.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	key := generateTestKey(t)
	path := filepath.Join(t.TempDir(), "jwks.json")
	raw := mustJSON(t, map[string]any{"keys": map[string]any{"key-1": rsaJWK(&key.PublicKey)}})
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, auth.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing file, got %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	a, b := generateTestKey(t), generateTestKey(t)
	set, err := FromPublicKeys(map[string]*rsa.PublicKey{"a": &a.PublicKey, "b": &b.PublicKey})
	if err != nil {
		t.Fatalf("FromPublicKeys: %v", err)
	}
	raw, err := set.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	again, err := Load(raw)
	if err != nil {
		t.Fatalf("Load marshalled set: %v", err)
	}
	if !reflect.DeepEqual(again.KeyIDs(), []string{"a", "b"}) {
		t.Fatalf("unexpected kids %v", again.KeyIDs())
	}
	pub, err := again.Resolve(context.Background(), "b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !pub.(*rsa.PublicKey).Equal(&b.PublicKey) {
		t.Fatalf("round trip changed key b")
	}
}

func TestKeyIDIgnoresWhitespace(t *testing.T) {
	a, err := KeyID([]byte(`{"kty":"RSA","e":"AQAB"}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := KeyID([]byte("{ \"kty\": \"RSA\",\n \"e\": \"AQAB\" }"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b || len(a) != 32 {
		t.Fatalf("unexpected key ids %q %q", a, b)
	}
}

func TestGenerate(t *testing.T) {
	priv, kid, set, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub, err := set.Resolve(context.Background(), kid)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !pub.(*rsa.PublicKey).Equal(&priv.PublicKey) {
		t.Fatalf("generated set holds a different key")
	}
}
