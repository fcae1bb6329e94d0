package auth

import "context"

// Store describes the persistence operations of the auth subsystem. Mutating
// calls surface integrity and transient errors after rolling back.
type Store interface {
	MembershipChecker

	CreateRole(ctx context.Context, uuid, roleType string) (string, error)
	GetRole(ctx context.Context, uuid string) (Role, error)
	GetRoles(ctx context.Context, uuids []string) ([]Role, error)
	GetRolePermissions(ctx context.Context, roleUUID string) ([]Permission, error)
	GetPermissionRoles(ctx context.Context, permissionUUID string) ([]Role, error)
	GetPermissions(ctx context.Context, uuids []string) ([]Permission, error)

	CreateRolePermissionAssociation(ctx context.Context, roleUUID, permissionUUID string) (RolePermission, error)
	DeleteRolePermissionAssociation(ctx context.Context, roleUUID, permissionUUID string) error

	GroupMembers(ctx context.Context, gt GroupType, groupUUID string) ([]string, error)
	CreateGroupAssociation(ctx context.Context, gt GroupType, groupUUID, memberUUID string) error
	DeleteGroupAssociation(ctx context.Context, gt GroupType, groupUUID, memberUUID string) error
	GroupAssociationsExist(ctx context.Context, gt GroupType) (bool, error)

	UnsentPermissions(ctx context.Context) ([]Permission, error)
	MarkPermissionSent(ctx context.Context, uuid string) error

	// WithTx runs fn against a store bound to one transaction, committing when
	// fn returns nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
}
