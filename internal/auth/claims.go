package auth

import (
	"fmt"
	"sort"
)

// Claims is the decoded payload of a verified token in one of its two shapes.
// The concrete type is LegacyClaims or RoleClaims.
type Claims interface {
	Subject() string
	GroupUUIDs() []string
	isClaims()
}

// LegacyClaims embed the permissions granted per service directly in the token.
type LegacyClaims struct {
	Username    string
	Permissions map[string][]string
	Groups      []string
}

// RoleClaims reference roles whose permissions are resolved server-side.
type RoleClaims struct {
	Username     string
	Roles        []string
	Groups       []string
	Organization string
}

func (c LegacyClaims) Subject() string      { return c.Username }
func (c LegacyClaims) GroupUUIDs() []string { return append([]string(nil), c.Groups...) }
func (LegacyClaims) isClaims()              {}
func (c RoleClaims) Subject() string        { return c.Username }
func (c RoleClaims) GroupUUIDs() []string   { return append([]string(nil), c.Groups...) }
func (RoleClaims) isClaims()                {}

// ParseClaims selects the claims variant by which fields are present: a roles
// list selects RoleClaims, otherwise a permissions mapping selects LegacyClaims.
func ParseClaims(raw map[string]any) (Claims, error) {
	if raw == nil {
		return nil, Errorf(ErrBrokenToken, "token carries no claims")
	}
	if _, ok := raw["roles"]; ok {
		roles, err := stringList(raw, "roles")
		if err != nil {
			return nil, err
		}
		groups, err := stringList(raw, "groups")
		if err != nil {
			return nil, err
		}
		return RoleClaims{
			Username:     stringField(raw, "username"),
			Roles:        roles,
			Groups:       groups,
			Organization: organizationUUID(raw),
		}, nil
	}
	if _, ok := raw["permissions"]; ok {
		perms, err := permissionMap(raw)
		if err != nil {
			return nil, err
		}
		groups, err := stringList(raw, "groups")
		if err != nil {
			return nil, err
		}
		return LegacyClaims{
			Username:    stringField(raw, "username"),
			Permissions: perms,
			Groups:      groups,
		}, nil
	}
	return nil, Errorf(ErrBrokenToken, "token carries neither roles nor permissions")
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

// stringList reads an optional list of strings. A present value that is not a
// list is a broken token.
func stringList(raw map[string]any, key string) ([]string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return []string{}, nil
	}
	switch items := v.(type) {
	case []string:
		return append([]string{}, items...), nil
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, Errorf(ErrBrokenToken, fmt.Sprintf("%s must be a list of strings", key))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, Errorf(ErrBrokenToken, fmt.Sprintf("%s must be a list", key))
	}
}

func permissionMap(raw map[string]any) (map[string][]string, error) {
	switch perms := raw["permissions"].(type) {
	case map[string][]string:
		out := make(map[string][]string, len(perms))
		for svc, list := range perms {
			out[svc] = append([]string{}, list...)
		}
		return out, nil
	case map[string]any:
		out := make(map[string][]string, len(perms))
		for svc := range perms {
			list, err := stringList(perms, svc)
			if err != nil {
				return nil, Errorf(ErrBrokenToken, "permissions must map services to lists")
			}
			out[svc] = list
		}
		return out, nil
	default:
		return nil, Errorf(ErrBrokenToken, "permissions must be a mapping")
	}
}

func organizationUUID(raw map[string]any) string {
	org, ok := raw["organization"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := org["uuid"].(string)
	return s
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
