package auth

// User is the identity projected from validated claims. It is immutable;
// accessors return copies.
type User struct {
	username     string
	roles        []string
	groups       []string
	organization string
	permissions  map[string][]string
}

// UserFromClaims projects role-mode claims. A missing username is a
// precondition violation and panics.
func UserFromClaims(claims map[string]any) User {
	username, ok := claims["username"].(string)
	if !ok || username == "" {
		panic("auth: claims have no username")
	}
	roles, _ := stringList(claims, "roles")
	groups, _ := stringList(claims, "groups")
	return User{
		username:     username,
		roles:        roles,
		groups:       groups,
		organization: organizationUUID(claims),
	}
}

// LegacyUserFromClaims projects legacy claims, keeping the embedded permissions.
func LegacyUserFromClaims(claims map[string]any) User {
	username, ok := claims["username"].(string)
	if !ok || username == "" {
		panic("auth: claims have no username")
	}
	groups, _ := stringList(claims, "groups")
	perms, _ := permissionMap(claims)
	return User{
		username:    username,
		roles:       []string{},
		groups:      groups,
		permissions: perms,
	}
}

// UserFrom projects parsed claims of either variant.
func UserFrom(claims Claims) User {
	switch c := claims.(type) {
	case RoleClaims:
		return User{
			username:     c.Username,
			roles:        append([]string{}, c.Roles...),
			groups:       append([]string{}, c.Groups...),
			organization: c.Organization,
		}
	case LegacyClaims:
		perms := make(map[string][]string, len(c.Permissions))
		for svc, list := range c.Permissions {
			perms[svc] = append([]string{}, list...)
		}
		return User{
			username:    c.Username,
			roles:       []string{},
			groups:      append([]string{}, c.Groups...),
			permissions: perms,
		}
	}
	return User{}
}

func (u User) Username() string { return u.username }

func (u User) Roles() []string { return append([]string{}, u.roles...) }

func (u User) Groups() []string { return append([]string{}, u.groups...) }

// Organization returns the organization UUID, or "" when the token had none.
func (u User) Organization() string { return u.organization }

// Permissions returns the legacy per-service permissions, nil in role mode.
func (u User) Permissions() map[string][]string {
	if u.permissions == nil {
		return nil
	}
	out := make(map[string][]string, len(u.permissions))
	for svc, list := range u.permissions {
		out[svc] = append([]string{}, list...)
	}
	return out
}

// IsZero reports whether u was never projected from claims.
func (u User) IsZero() bool { return u.username == "" }
