package auth

import (
	"context"
	"testing"
)

func TestUserFromClaims(t *testing.T) {
	user := UserFromClaims(map[string]any{
		"username":     "ada",
		"roles":        []any{"r1", "r2"},
		"groups":       []any{"g1"},
		"organization": map[string]any{"uuid": "org-1"},
	})
	if user.Username() != "ada" || user.Organization() != "org-1" {
		t.Fatalf("unexpected user %+v", user)
	}
	roles := user.Roles()
	if len(roles) != 2 || roles[1] != "r2" {
		t.Fatalf("unexpected roles %v", roles)
	}
	roles[0] = "mutated"
	if user.Roles()[0] != "r1" {
		t.Fatalf("accessor leaked internal slice")
	}
	if user.Permissions() != nil {
		t.Fatalf("role-mode user must carry no legacy permissions")
	}
}

func TestUserFromClaimsDefaults(t *testing.T) {
	user := UserFromClaims(map[string]any{"username": "ada"})
	if len(user.Roles()) != 0 || len(user.Groups()) != 0 || user.Organization() != "" {
		t.Fatalf("expected empty defaults, got %+v", user)
	}
}

func TestUserFromClaimsPanicsWithoutUsername(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	UserFromClaims(map[string]any{"roles": []any{}})
}

func TestLegacyUserFromClaims(t *testing.T) {
	user := LegacyUserFromClaims(map[string]any{
		"username":    "ada",
		"permissions": map[string]any{"svc": []any{"read"}},
		"groups":      []any{"g1"},
	})
	perms := user.Permissions()
	if len(perms["svc"]) != 1 || perms["svc"][0] != "read" {
		t.Fatalf("unexpected permissions %v", perms)
	}
	perms["svc"][0] = "write"
	if user.Permissions()["svc"][0] != "read" {
		t.Fatalf("accessor leaked internal map")
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserFromContext(ctx); ok {
		t.Fatalf("unexpected user in empty context")
	}
	user := UserFromClaims(map[string]any{"username": "ada"})
	got, ok := UserFromContext(ContextWithUser(ctx, user))
	if !ok || got.Username() != "ada" {
		t.Fatalf("unexpected user %+v", got)
	}
}
