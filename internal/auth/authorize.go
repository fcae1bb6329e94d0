package auth

import (
	"context"
	"fmt"
	"slices"
)

// HasPermissionFunc decides whether the roles carried by claims grant permission.
type HasPermissionFunc func(ctx context.Context, claims RoleClaims, permission string) (bool, error)

// PermissionRef identifies a permission by UUID or, when UUID is empty, by its
// permission string within the checking service.
type PermissionRef struct {
	UUID       string
	Permission string
}

// MembershipChecker answers whether a permission is granted to any of a set of roles.
type MembershipChecker interface {
	IsPermissionInRoles(ctx context.Context, ref PermissionRef, roleUUIDs []string) (bool, error)
}

// StorePredicate builds a HasPermissionFunc that resolves permissions
// server-side through checker.
func StorePredicate(checker MembershipChecker) HasPermissionFunc {
	return func(ctx context.Context, claims RoleClaims, permission string) (bool, error) {
		return checker.IsPermissionInRoles(ctx, PermissionRef{Permission: permission}, claims.Roles)
	}
}

// ValidateLegacy checks a permission embedded in legacy claims.
func ValidateLegacy(claims map[string]any, service, permission string) error {
	if claims == nil {
		return Errorf(ErrBrokenToken, "token carries no claims")
	}
	if _, ok := claims["permissions"]; !ok {
		return Errorf(ErrBrokenToken, "token carries no permissions")
	}
	perms, err := permissionMap(claims)
	if err != nil {
		return err
	}
	return checkLegacy(LegacyClaims{Permissions: perms}, service, permission)
}

func checkLegacy(claims LegacyClaims, service, permission string) error {
	if slices.Contains(claims.Permissions[service], permission) {
		return nil
	}
	return Errorf(ErrInsufficientPermissions, fmt.Sprintf("missing permission %s on %s", permission, service))
}

// ValidateRoles checks a permission for role-mode claims, delegating the
// decision to has.
func ValidateRoles(ctx context.Context, claims map[string]any, permission, service string, has HasPermissionFunc) error {
	if claims == nil {
		return Errorf(ErrBrokenToken, "token carries no claims")
	}
	if _, ok := claims["roles"]; !ok {
		return Errorf(ErrBrokenToken, "token carries no roles")
	}
	parsed, err := ParseClaims(claims)
	if err != nil {
		return err
	}
	rc, ok := parsed.(RoleClaims)
	if !ok {
		return Errorf(ErrBrokenToken, "token carries no roles")
	}
	return checkRoles(ctx, rc, permission, service, has)
}

func checkRoles(ctx context.Context, claims RoleClaims, permission, service string, has HasPermissionFunc) error {
	if has == nil {
		return Errorf(ErrConfiguration, "no permission predicate configured")
	}
	ok, err := has(ctx, claims, permission)
	if err != nil {
		return err
	}
	if !ok {
		return Errorf(ErrInsufficientPermissions, fmt.Sprintf("missing permission %s on %s", permission, service))
	}
	return nil
}

// Validate selects legacy or role mode from the claims shape and checks that
// permission is granted on service.
func Validate(ctx context.Context, claims map[string]any, service, permission string, has HasPermissionFunc) error {
	parsed, err := ParseClaims(claims)
	if err != nil {
		return err
	}
	return ValidateClaims(ctx, parsed, service, permission, has)
}

// ValidateClaims is Validate for already parsed claims.
func ValidateClaims(ctx context.Context, claims Claims, service, permission string, has HasPermissionFunc) error {
	switch c := claims.(type) {
	case LegacyClaims:
		return checkLegacy(c, service, permission)
	case RoleClaims:
		return checkRoles(ctx, c, permission, service, has)
	default:
		return Errorf(ErrBrokenToken, "unsupported claims")
	}
}

// GroupScope returns the groups a group-scoped query must be limited to. A
// user without groups is refused rather than given an unbounded query.
func GroupScope(user User) ([]string, error) {
	groups := user.Groups()
	if len(groups) == 0 {
		return nil, Errorf(ErrInsufficientPermissions, "user belongs to no groups")
	}
	return groups, nil
}
