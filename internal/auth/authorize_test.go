package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
)

const r1 = "2f0d5d1e-8f65-4a5b-9b8c-5a3c0f3f1a11"

// rolePerms is an in-memory predicate: role R1 has perm-a and basic.
func rolePerms(ctx context.Context, claims RoleClaims, permission string) (bool, error) {
	granted := map[string][]string{r1: {"perm-a", "basic"}}
	for _, role := range claims.Roles {
		if slices.Contains(granted[role], permission) {
			return true, nil
		}
	}
	return false, nil
}

func TestValidateRolesScenario(t *testing.T) {
	claims := map[string]any{"username": "ada", "roles": []any{r1}}
	ctx := context.Background()

	if err := ValidateRoles(ctx, claims, "perm-a", "svc", rolePerms); err != nil {
		t.Fatalf("expected perm-a allowed: %v", err)
	}
	err := ValidateRoles(ctx, claims, "perm-z", "svc", rolePerms)
	if !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
}

func TestValidateRolesBrokenClaims(t *testing.T) {
	ctx := context.Background()
	for name, claims := range map[string]map[string]any{
		"nil":        nil,
		"no roles":   {"username": "ada"},
		"roles map":  {"username": "ada", "roles": map[string]any{"a": 1}},
		"roles ints": {"username": "ada", "roles": []any{1, 2}},
	} {
		err := ValidateRoles(ctx, claims, "perm-a", "svc", rolePerms)
		if !errors.Is(err, ErrBrokenToken) {
			t.Fatalf("%s: expected broken token, got %v", name, err)
		}
	}
}

func TestValidateRolesPredicateError(t *testing.T) {
	boom := Wrap(ErrStore, errors.New("connection reset"))
	has := func(context.Context, RoleClaims, string) (bool, error) { return false, boom }
	claims := map[string]any{"username": "ada", "roles": []any{r1}}
	if err := ValidateRoles(context.Background(), claims, "perm-a", "svc", has); !errors.Is(err, ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestValidateLegacy(t *testing.T) {
	claims := map[string]any{
		"username":    "ada",
		"permissions": map[string]any{"svc": []any{"read", "write"}},
	}
	if err := ValidateLegacy(claims, "svc", "read"); err != nil {
		t.Fatalf("expected read allowed: %v", err)
	}
	if err := ValidateLegacy(claims, "svc", "admin"); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
	if err := ValidateLegacy(claims, "other", "read"); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions for unknown service, got %v", err)
	}
	if err := ValidateLegacy(map[string]any{"username": "ada"}, "svc", "read"); !errors.Is(err, ErrBrokenToken) {
		t.Fatalf("expected broken token without permissions, got %v", err)
	}
	if err := ValidateLegacy(map[string]any{"permissions": []any{"read"}}, "svc", "read"); !errors.Is(err, ErrBrokenToken) {
		t.Fatalf("expected broken token for non-mapping permissions, got %v", err)
	}
}

func TestValidateSelectsVariant(t *testing.T) {
	ctx := context.Background()
	legacy := map[string]any{"username": "ada", "permissions": map[string]any{"svc": []any{"read"}}}
	if err := Validate(ctx, legacy, "svc", "read", nil); err != nil {
		t.Fatalf("legacy validate: %v", err)
	}
	roles := map[string]any{"username": "ada", "roles": []any{r1}, "permissions": map[string]any{}}
	if err := Validate(ctx, roles, "svc", "basic", rolePerms); err != nil {
		t.Fatalf("roles take precedence: %v", err)
	}
	if err := Validate(ctx, map[string]any{"username": "ada"}, "svc", "read", rolePerms); !errors.Is(err, ErrBrokenToken) {
		t.Fatalf("expected broken token, got %v", err)
	}
}

type fakeChecker struct {
	ref   PermissionRef
	roles []string
}

func (f *fakeChecker) IsPermissionInRoles(_ context.Context, ref PermissionRef, roles []string) (bool, error) {
	f.ref = ref
	f.roles = roles
	return true, nil
}

func TestStorePredicate(t *testing.T) {
	checker := &fakeChecker{}
	ok, err := StorePredicate(checker)(context.Background(), RoleClaims{Roles: []string{r1}}, "perm-a")
	if err != nil || !ok {
		t.Fatalf("predicate = %v, %v", ok, err)
	}
	if checker.ref.Permission != "perm-a" || checker.ref.UUID != "" {
		t.Fatalf("unexpected ref %+v", checker.ref)
	}
	if len(checker.roles) != 1 || checker.roles[0] != r1 {
		t.Fatalf("unexpected roles %v", checker.roles)
	}
}

func TestGroupScopeRejectsEmptyGroups(t *testing.T) {
	user := UserFromClaims(map[string]any{"username": "ada", "roles": []any{}})
	if _, err := GroupScope(user); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
	user = UserFromClaims(map[string]any{"username": "ada", "groups": []any{"g1", "g2"}})
	groups, err := GroupScope(user)
	if err != nil {
		t.Fatalf("GroupScope: %v", err)
	}
	if len(groups) != 2 || groups[0] != "g1" {
		t.Fatalf("unexpected groups %v", groups)
	}
}
