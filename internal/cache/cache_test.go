package cache

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKeyNamespacing(t *testing.T) {
	if Key("abc") != "ts_auth:perm_roles:abc" {
		t.Fatalf("unexpected key %q", Key("abc"))
	}
	if Key("a") == Key("b") {
		t.Fatalf("keys collide")
	}
}

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Minute)

	if _, ok, err := m.Get(ctx, Key("p1")); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	roles := []string{"r1", "r2"}
	if err := m.Set(ctx, Key("p1"), roles, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	roles[0] = "mutated"

	got, ok, err := m.Get(ctx, Key("p1"))
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, []string{"r1", "r2"}) {
		t.Fatalf("unexpected roles %v", got)
	}
	if _, ok, _ := m.Get(ctx, Key("p2")); ok {
		t.Fatalf("entry leaked across keys")
	}
}

func TestMemoryEmptySetIsHit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Minute)
	if err := m.Set(ctx, Key("p1"), nil, 0); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := m.Get(ctx, Key("p1"))
	if !ok || len(got) != 0 {
		t.Fatalf("expected empty hit, got %v ok=%v", got, ok)
	}
}

func TestMemoryPerEntryTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, Key("p1"), []string{"r1"}, time.Second); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, Key("p1")); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, time.Minute)
	for _, p := range []string{"p1", "p2", "p3"} {
		if err := m.Set(ctx, Key(p), []string{"r"}, 0); err != nil {
			t.Fatal(err)
		}
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
	if _, ok, _ := m.Get(ctx, Key("p1")); ok {
		t.Fatalf("expected oldest entry evicted")
	}
}

type fakeRedis struct {
	data map[string]string
	ttl  map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisGetSet(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	r := NewRedis(client, 0)

	if _, ok, err := r.Get(ctx, Key("p1")); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := r.Set(ctx, Key("p1"), []string{"r1"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if client.ttl[Key("p1")] != DefaultTTL {
		t.Fatalf("unexpected ttl %v", client.ttl[Key("p1")])
	}
	got, ok, err := r.Get(ctx, Key("p1"))
	if err != nil || !ok || !reflect.DeepEqual(got, []string{"r1"}) {
		t.Fatalf("unexpected hit %v ok=%v err=%v", got, ok, err)
	}

	if err := r.Set(ctx, Key("p2"), nil, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, _ = r.Get(ctx, Key("p2"))
	if !ok || got == nil || len(got) != 0 {
		t.Fatalf("expected empty hit, got %v ok=%v", got, ok)
	}
}

func TestRedisErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	r := NewRedis(client, time.Minute)

	if _, _, err := r.Get(ctx, Key("p1")); err == nil {
		t.Fatalf("expected get error")
	}
	if err := r.Set(ctx, Key("p1"), []string{"r1"}, 0); err == nil {
		t.Fatalf("expected set error")
	}

	client.err = nil
	client.data[Key("p3")] = "{not json"
	if _, _, err := r.Get(ctx, Key("p3")); err == nil {
		t.Fatalf("expected decode error")
	}
}
