package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"thunderstorm.io/auth/internal/auth"
)

func (s *Store) CreateRole(ctx context.Context, id, roleType string) (string, error) {
	if s.q == nil {
		return "", errUnavailable()
	}
	id, err := canonical(id)
	if err != nil {
		return "", err
	}
	roleType = strings.TrimSpace(roleType)
	if roleType == "" {
		return "", auth.Errorf(auth.ErrInvalidInput, "role type is required")
	}
	query := fmt.Sprintf(`insert into %s (uuid, type) values ($1, $2)`, s.table("role"))
	if _, err := s.q.ExecContext(ctx, query, id, roleType); err != nil {
		return "", storeError("create role", err)
	}
	return id, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if s.q == nil {
		return auth.Role{}, errUnavailable()
	}
	id, err := canonical(id)
	if err != nil {
		return auth.Role{}, err
	}
	var role auth.Role
	query := fmt.Sprintf(`select uuid, type from %s where uuid = $1`, s.table("role"))
	err = s.q.QueryRowContext(ctx, query, id).Scan(&role.UUID, &role.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.Errorf(auth.ErrNotFound, "role not found")
	}
	if err != nil {
		return auth.Role{}, storeError("get role", err)
	}
	return role, nil
}

func (s *Store) GetRoles(ctx context.Context, ids []string) ([]auth.Role, error) {
	if s.q == nil {
		return nil, errUnavailable()
	}
	ids, err := canonicalAll(ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []auth.Role{}, nil
	}
	query := fmt.Sprintf(`select uuid, type from %s where uuid in (%s) order by type`,
		s.table("role"), placeholders(1, len(ids)))
	return s.queryRoles(ctx, "get roles", query, stringArgs(ids)...)
}

func (s *Store) queryRoles(ctx context.Context, op, query string, args ...any) ([]auth.Role, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	result := []auth.Role{}
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.UUID, &role.Type); err != nil {
			return nil, storeError(op, err)
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return result, nil
}

const permissionColumns = `p.uuid, p.service_name, p.permission, p.is_deleted, p.is_sent`

func (s *Store) queryPermissions(ctx context.Context, op, query string, args ...any) ([]auth.Permission, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	result := []auth.Permission{}
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.UUID, &p.ServiceName, &p.Permission, &p.IsDeleted, &p.IsSent); err != nil {
			return nil, storeError(op, err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return result, nil
}

// GetRolePermissions lists the permissions associated with a role.
func (s *Store) GetRolePermissions(ctx context.Context, roleUUID string) ([]auth.Permission, error) {
	return s.GetRolesPermissions(ctx, []string{roleUUID})
}

// GetRolesPermissions lists the distinct permissions associated with any of roleUUIDs.
func (s *Store) GetRolesPermissions(ctx context.Context, roleUUIDs []string) ([]auth.Permission, error) {
	if s.q == nil {
		return nil, errUnavailable()
	}
	ids, err := canonicalAll(roleUUIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []auth.Permission{}, nil
	}
	query := fmt.Sprintf(`
		select distinct %s
		from %s p
		join %s a on a.permission_uuid = p.uuid
		where a.role_uuid in (%s)
		order by p.permission
	`, permissionColumns, s.table("permission"), s.table("role_permission_association"), placeholders(1, len(ids)))
	return s.queryPermissions(ctx, "get role permissions", query, stringArgs(ids)...)
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	if s.q == nil {
		return auth.Permission{}, errUnavailable()
	}
	id, err := canonical(id)
	if err != nil {
		return auth.Permission{}, err
	}
	query := fmt.Sprintf(`select %s from %s p where p.uuid = $1`, permissionColumns, s.table("permission"))
	perms, err := s.queryPermissions(ctx, "get permission", query, id)
	if err != nil {
		return auth.Permission{}, err
	}
	if len(perms) == 0 {
		return auth.Permission{}, auth.Errorf(auth.ErrNotFound, "permission not found")
	}
	return perms[0], nil
}

// GetPermissionByString resolves a permission string within the configured
// service, or across all services when none is configured.
func (s *Store) GetPermissionByString(ctx context.Context, permission string) (auth.Permission, error) {
	if s.q == nil {
		return auth.Permission{}, errUnavailable()
	}
	query := fmt.Sprintf(`select %s from %s p where p.permission = $1`, permissionColumns, s.table("permission"))
	args := []any{permission}
	if s.service != "" {
		query += ` and p.service_name = $2`
		args = append(args, s.service)
	}
	perms, err := s.queryPermissions(ctx, "get permission", query+` limit 2`, args...)
	if err != nil {
		return auth.Permission{}, err
	}
	switch len(perms) {
	case 0:
		return auth.Permission{}, auth.Errorf(auth.ErrNotFound, "permission not found")
	case 1:
		return perms[0], nil
	default:
		return auth.Permission{}, auth.Errorf(auth.ErrConfiguration, fmt.Sprintf("permission %q is ambiguous across services, configure a service name", permission))
	}
}

func (s *Store) GetPermissions(ctx context.Context, ids []string) ([]auth.Permission, error) {
	if s.q == nil {
		return nil, errUnavailable()
	}
	ids, err := canonicalAll(ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []auth.Permission{}, nil
	}
	query := fmt.Sprintf(`select %s from %s p where p.uuid in (%s) order by p.permission`,
		permissionColumns, s.table("permission"), placeholders(1, len(ids)))
	return s.queryPermissions(ctx, "get permissions", query, stringArgs(ids)...)
}

// ListPermissions returns every persisted permission of the configured service.
func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.q == nil {
		return nil, errUnavailable()
	}
	query := fmt.Sprintf(`select %s from %s p`, permissionColumns, s.table("permission"))
	var args []any
	if s.service != "" {
		query += ` where p.service_name = $1`
		args = append(args, s.service)
	}
	return s.queryPermissions(ctx, "list permissions", query+` order by p.permission`, args...)
}

// CreatePermission inserts p, generating a UUID and defaulting the service
// name when they are empty.
func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	if s.q == nil {
		return auth.Permission{}, errUnavailable()
	}
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	id, err := canonical(p.UUID)
	if err != nil {
		return auth.Permission{}, err
	}
	p.UUID = id
	if p.ServiceName == "" {
		p.ServiceName = s.service
	}
	p.Permission = strings.TrimSpace(p.Permission)
	if p.ServiceName == "" || p.Permission == "" {
		return auth.Permission{}, auth.Errorf(auth.ErrInvalidInput, "service name and permission are required")
	}
	query := fmt.Sprintf(`
		insert into %s (uuid, service_name, permission, is_deleted, is_sent)
		values ($1, $2, $3, $4, $5)
	`, s.table("permission"))
	if _, err := s.q.ExecContext(ctx, query, p.UUID, p.ServiceName, p.Permission, p.IsDeleted, p.IsSent); err != nil {
		return auth.Permission{}, storeError("create permission", err)
	}
	return p, nil
}

// CreateRolePermissionAssociation links a role and a permission. An existing
// link is left as is; a missing role or permission is ErrIntegrity.
func (s *Store) CreateRolePermissionAssociation(ctx context.Context, roleUUID, permissionUUID string) (auth.RolePermission, error) {
	if s.q == nil {
		return auth.RolePermission{}, errUnavailable()
	}
	role, err := canonical(roleUUID)
	if err != nil {
		return auth.RolePermission{}, err
	}
	perm, err := canonical(permissionUUID)
	if err != nil {
		return auth.RolePermission{}, err
	}
	query := fmt.Sprintf(`
		insert into %s (role_uuid, permission_uuid)
		values ($1, $2)
		on conflict (role_uuid, permission_uuid) do nothing
	`, s.table("role_permission_association"))
	if _, err := s.q.ExecContext(ctx, query, role, perm); err != nil {
		return auth.RolePermission{}, storeError("create role permission association", err)
	}
	return auth.RolePermission{RoleUUID: role, PermissionUUID: perm}, nil
}

// DeleteRolePermissionAssociation removes a link; removing an absent link is a no-op.
func (s *Store) DeleteRolePermissionAssociation(ctx context.Context, roleUUID, permissionUUID string) error {
	if s.q == nil {
		return errUnavailable()
	}
	role, err := canonical(roleUUID)
	if err != nil {
		return err
	}
	perm, err := canonical(permissionUUID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`delete from %s where role_uuid = $1 and permission_uuid = $2`, s.table("role_permission_association"))
	if _, err := s.q.ExecContext(ctx, query, role, perm); err != nil {
		return storeError("delete role permission association", err)
	}
	return nil
}

// GetPermissionsInfo reconciles the registered permissions with the rows of
// the configured service.
func (s *Store) GetPermissionsInfo(ctx context.Context, registry *auth.Registry) (auth.PermissionsInfo, error) {
	if s.service == "" {
		return auth.PermissionsInfo{}, auth.Errorf(auth.ErrConfiguration, "permissions info needs a service name")
	}
	rows, err := s.ListPermissions(ctx)
	if err != nil {
		return auth.PermissionsInfo{}, err
	}
	return auth.Reconcile(registry.List(), rows), nil
}

// UnsentPermissions lists permissions whose lifecycle event has not been published.
func (s *Store) UnsentPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.q == nil {
		return nil, errUnavailable()
	}
	query := fmt.Sprintf(`select %s from %s p where not p.is_sent`, permissionColumns, s.table("permission"))
	var args []any
	if s.service != "" {
		query += ` and p.service_name = $1`
		args = append(args, s.service)
	}
	return s.queryPermissions(ctx, "unsent permissions", query+` order by p.uuid`, args...)
}

func (s *Store) MarkPermissionSent(ctx context.Context, id string) error {
	if s.q == nil {
		return errUnavailable()
	}
	id, err := canonical(id)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`update %s set is_sent = true where uuid = $1`, s.table("permission"))
	res, err := s.q.ExecContext(ctx, query, id)
	if err != nil {
		return storeError("mark permission sent", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return storeError("mark permission sent", err)
	}
	if aff == 0 {
		return auth.Errorf(auth.ErrNotFound, "permission not found")
	}
	return nil
}
