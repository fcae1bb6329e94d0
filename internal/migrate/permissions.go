package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/ids"
)

const permissionMigrationSlug = "update_auth_permissions"

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PermissionMigration renders the SQL that brings the permission table in
// line with info, and the SQL that reverts it. Inserted rows get fresh
// UUIDs; rows already soft-deleted and unregistered are left alone.
func PermissionMigration(info auth.PermissionsInfo, service, schema string) (up, down string, err error) {
	if service == "" {
		return "", "", auth.Errorf(auth.ErrConfiguration, "service name is required to generate permission migrations")
	}
	if schema == "" {
		schema = auth.DefaultSchema
	}
	if !identifier.MatchString(schema) {
		return "", "", auth.Errorf(auth.ErrConfiguration, fmt.Sprintf("invalid schema name %q", schema))
	}
	table := schema + ".permission"

	var upStmts, downStmts []string
	for _, perm := range info.ToInsert {
		upStmts = append(upStmts, fmt.Sprintf(
			"insert into %s (uuid, service_name, permission) values ('%s'::uuid, %s, %s);",
			table, uuid.NewString(), quote(service), quote(perm)))
		downStmts = append(downStmts, fmt.Sprintf(
			"delete from %s where service_name = %s and permission = %s;",
			table, quote(service), quote(perm)))
	}
	for _, id := range append(append([]string{}, info.ToUndelete...), info.ToDelete...) {
		if _, err := uuid.Parse(id); err != nil {
			return "", "", auth.Errorf(auth.ErrInvalidInput, fmt.Sprintf("invalid permission uuid %q", id))
		}
	}
	for _, id := range info.ToUndelete {
		upStmts = append(upStmts, setDeleted(table, id, false))
		downStmts = append(downStmts, setDeleted(table, id, true))
	}
	for _, id := range info.ToDelete {
		if row, ok := info.PermissionByUUID(id); ok && row.IsDeleted {
			continue
		}
		upStmts = append(upStmts, setDeleted(table, id, true))
		downStmts = append(downStmts, setDeleted(table, id, false))
	}
	if len(upStmts) == 0 {
		return "", "", nil
	}
	return strings.Join(upStmts, "\n") + "\n", strings.Join(downStmts, "\n") + "\n", nil
}

// WritePermissionMigration writes the migration for info into dir as a pair
// of up/down files prefixed with a ULID revision. It returns the up file
// path, or "" when nothing needs to change.
func WritePermissionMigration(dir string, info auth.PermissionsInfo, service, schema string, now time.Time) (string, error) {
	up, down, err := PermissionMigration(info, service, schema)
	if err != nil || up == "" {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	rev := ids.Revision(now)
	header := fmt.Sprintf("-- revision: %s\n-- created: %s\n-- %s\n", rev, now.UTC().Format(time.RFC3339), strings.ReplaceAll(permissionMigrationSlug, "_", " "))
	base := filepath.Join(dir, rev+"_"+permissionMigrationSlug)
	if err := os.WriteFile(base+upSuffix, []byte(header+up), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(base+downSuffix, []byte(header+down), 0o644); err != nil {
		return "", err
	}
	return base + upSuffix, nil
}

// setDeleted marks a row for republishing with the given deleted flag.
func setDeleted(table, id string, deleted bool) string {
	return fmt.Sprintf("update %s set is_sent = false, is_deleted = %t where uuid = '%s'::uuid;", table, deleted, id)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
