package pg

import (
	"strings"
	"testing"

	"thunderstorm.io/auth/internal/auth"
)

func TestSchemaTables(t *testing.T) {
	tables := Schema("", auth.ComplexGroup)
	var names []string
	for _, tbl := range tables {
		names = append(names, tbl.QualifiedName())
	}
	want := "ts_auth.role,ts_auth.permission,ts_auth.role_permission_association,ts_auth.complex_group_map"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("tables = %s", got)
	}
}

func TestPermissionUniquePerService(t *testing.T) {
	ddl := PermissionTable("ts_auth").CreateSQL()
	if !strings.Contains(ddl, "unique (service_name, permission)") {
		t.Fatalf("missing per-service unique constraint:\n%s", ddl)
	}
}

func TestAssociationCascades(t *testing.T) {
	ddl := RolePermissionTable("authz").CreateSQL()
	for _, frag := range []string{
		"references authz.role (uuid) on delete cascade",
		"references authz.permission (uuid) on delete cascade",
		"primary key (role_uuid, permission_uuid)",
	} {
		if !strings.Contains(ddl, frag) {
			t.Fatalf("missing %q in:\n%s", frag, ddl)
		}
	}
}

func TestGroupTable(t *testing.T) {
	ddl := GroupTable(auth.ComplexGroup, "ts_auth").CreateSQL()
	if !strings.Contains(ddl, "primary key (group_uuid, complex_uuid)") {
		t.Fatalf("unexpected ddl:\n%s", ddl)
	}
	if !strings.HasPrefix(SchemaSQL("ts_auth"), "create schema if not exists ts_auth;") {
		t.Fatalf("schema sql must create the schema first")
	}
}

func TestInvalidSchemaPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	RoleTable("drop table")
}
