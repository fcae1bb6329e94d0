package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/cache"
)

// GetPermissionRoles lists the roles holding a permission and refills the
// membership cache entry for it.
func (s *Store) GetPermissionRoles(ctx context.Context, permissionUUID string) ([]auth.Role, error) {
	if s.q == nil {
		return nil, errUnavailable()
	}
	perm, err := canonical(permissionUUID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		select r.uuid, r.type
		from %s r
		join %s a on a.role_uuid = r.uuid
		where a.permission_uuid = $1
		order by r.type
	`, s.table("role"), s.table("role_permission_association"))
	roles, err := s.queryRoles(ctx, "get permission roles", query, perm)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(roles))
	for i, r := range roles {
		ids[i] = normalizeUUID(r.UUID)
	}
	s.fillCache(ctx, perm, ids)
	return roles, nil
}

func (s *Store) fillCache(ctx context.Context, permissionUUID string, roleUUIDs []string) {
	if s.inTx {
		return
	}
	if err := s.cache.Set(ctx, cache.Key(permissionUUID), roleUUIDs, s.cacheTTL); err != nil {
		s.log.Warn("membership cache write failed", zap.String("permission_uuid", permissionUUID), zap.Error(err))
	}
}

// IsPermissionInRoles reports whether any of roleUUIDs holds the permission
// identified by ref. Role sets are served from the membership cache and read
// from the database on a miss.
func (s *Store) IsPermissionInRoles(ctx context.Context, ref auth.PermissionRef, roleUUIDs []string) (bool, error) {
	if (ref.UUID == "" && ref.Permission == "") || len(roleUUIDs) == 0 {
		return false, nil
	}

	permUUID := ref.UUID
	if permUUID == "" {
		p, err := s.GetPermissionByString(ctx, ref.Permission)
		if errors.Is(err, auth.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		permUUID = p.UUID
	}
	permUUID, err := canonical(permUUID)
	if err != nil {
		return false, nil
	}

	granted, ok, err := s.cache.Get(ctx, cache.Key(permUUID))
	if err != nil {
		s.log.Warn("membership cache read failed", zap.String("permission_uuid", permUUID), zap.Error(err))
		ok = false
	}
	if !ok {
		roles, err := s.GetPermissionRoles(ctx, permUUID)
		if err != nil {
			return false, err
		}
		granted = make([]string, len(roles))
		for i, r := range roles {
			granted[i] = normalizeUUID(r.UUID)
		}
	}

	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	for _, r := range roleUUIDs {
		if _, hit := set[normalizeUUID(r)]; hit {
			return true, nil
		}
	}
	return false, nil
}

// PreloadCache fills the membership cache for every permission of the
// configured service with a single query.
func (s *Store) PreloadCache(ctx context.Context) (int, error) {
	if s.q == nil {
		return 0, errUnavailable()
	}
	query := fmt.Sprintf(`
		select p.uuid, a.role_uuid
		from %s p
		left join %s a on a.permission_uuid = p.uuid
	`, s.table("permission"), s.table("role_permission_association"))
	var args []any
	if s.service != "" {
		query += ` where p.service_name = $1`
		args = append(args, s.service)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, storeError("preload cache", err)
	}
	defer rows.Close()

	members := map[string][]string{}
	for rows.Next() {
		var (
			perm string
			role sql.NullString
		)
		if err := rows.Scan(&perm, &role); err != nil {
			return 0, storeError("preload cache", err)
		}
		perm = normalizeUUID(perm)
		if _, ok := members[perm]; !ok {
			members[perm] = []string{}
		}
		if role.Valid {
			members[perm] = append(members[perm], normalizeUUID(role.String))
		}
	}
	if err := rows.Err(); err != nil {
		return 0, storeError("preload cache", err)
	}
	for perm, roles := range members {
		s.fillCache(ctx, perm, roles)
	}
	s.log.Info("membership cache preloaded", zap.Int("permissions", len(members)))
	return len(members), nil
}

// normalizeUUID returns the canonical form of id, or id lowercased when it
// does not parse.
func normalizeUUID(id string) string {
	if parsed, err := uuid.Parse(strings.TrimSpace(id)); err == nil {
		return parsed.String()
	}
	return strings.ToLower(strings.TrimSpace(id))
}
