package pg

import (
	"fmt"
	"regexp"
	"strings"

	"thunderstorm.io/auth/internal/auth"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Column describes one column of a Table.
type Column struct {
	Name string
	Type string
	// Constraint is appended verbatim, e.g. "not null default false".
	Constraint string
}

// Table is a table definition bound to a schema.
type Table struct {
	Schema      string
	Name        string
	Columns     []Column
	PrimaryKey  []string
	Constraints []string
	Indexes     []string
}

// QualifiedName returns schema.name.
func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// CreateSQL renders the DDL creating the table and its indexes.
func (t Table) CreateSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "create table if not exists %s (\n", t.QualifiedName())
	lines := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	for _, c := range t.Columns {
		line := "\t" + c.Name + " " + c.Type
		if c.Constraint != "" {
			line += " " + c.Constraint
		}
		lines = append(lines, line)
	}
	if len(t.PrimaryKey) > 0 {
		lines = append(lines, "\tprimary key ("+strings.Join(t.PrimaryKey, ", ")+")")
	}
	for _, c := range t.Constraints {
		lines = append(lines, "\t"+c)
	}
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n);\n")
	for _, idx := range t.Indexes {
		b.WriteString(idx)
		b.WriteString(";\n")
	}
	return b.String()
}

// DropSQL renders the DDL dropping the table.
func (t Table) DropSQL() string {
	return fmt.Sprintf("drop table if exists %s cascade;\n", t.QualifiedName())
}

func checkSchema(schema string) (string, error) {
	if schema == "" {
		schema = auth.DefaultSchema
	}
	if !identifier.MatchString(schema) {
		return "", auth.Errorf(auth.ErrConfiguration, fmt.Sprintf("invalid schema name %q", schema))
	}
	return schema, nil
}

func mustSchema(schema string) string {
	s, err := checkSchema(schema)
	if err != nil {
		panic(err)
	}
	return s
}

// RoleTable defines the role table in schema.
func RoleTable(schema string) Table {
	return Table{
		Schema: mustSchema(schema),
		Name:   "role",
		Columns: []Column{
			{Name: "uuid", Type: "uuid", Constraint: "not null"},
			{Name: "type", Type: "text", Constraint: "not null unique"},
		},
		PrimaryKey: []string{"uuid"},
	}
}

// PermissionTable defines the permission table in schema. Permission strings
// are unique per service.
func PermissionTable(schema string) Table {
	s := mustSchema(schema)
	return Table{
		Schema: s,
		Name:   "permission",
		Columns: []Column{
			{Name: "uuid", Type: "uuid", Constraint: "not null"},
			{Name: "service_name", Type: "text", Constraint: "not null"},
			{Name: "permission", Type: "text", Constraint: "not null"},
			{Name: "is_deleted", Type: "boolean", Constraint: "not null default false"},
			{Name: "is_sent", Type: "boolean", Constraint: "not null default false"},
		},
		PrimaryKey:  []string{"uuid"},
		Constraints: []string{"unique (service_name, permission)"},
		Indexes: []string{
			fmt.Sprintf("create index if not exists permission_unsent_idx on %s.permission (uuid) where not is_sent", s),
		},
	}
}

// RolePermissionTable defines the role/permission association table. Rows
// are removed with either side.
func RolePermissionTable(schema string) Table {
	s := mustSchema(schema)
	return Table{
		Schema: s,
		Name:   "role_permission_association",
		Columns: []Column{
			{Name: "role_uuid", Type: "uuid", Constraint: fmt.Sprintf("not null references %s.role (uuid) on delete cascade", s)},
			{Name: "permission_uuid", Type: "uuid", Constraint: fmt.Sprintf("not null references %s.permission (uuid) on delete cascade", s)},
		},
		PrimaryKey: []string{"role_uuid", "permission_uuid"},
		Indexes: []string{
			fmt.Sprintf("create index if not exists role_permission_association_permission_idx on %s.role_permission_association (permission_uuid)", s),
		},
	}
}

// GroupTable defines the membership table of a group type.
func GroupTable(gt auth.GroupType, schema string) Table {
	s := mustSchema(schema)
	return Table{
		Schema: s,
		Name:   gt.TableName,
		Columns: []Column{
			{Name: "group_uuid", Type: "uuid", Constraint: "not null"},
			{Name: gt.MemberColumn, Type: "uuid", Constraint: "not null"},
		},
		PrimaryKey: []string{"group_uuid", gt.MemberColumn},
		Indexes: []string{
			fmt.Sprintf("create index if not exists %s_%s_idx on %s.%s (%s)", gt.TableName, gt.MemberColumn, s, gt.TableName, gt.MemberColumn),
		},
	}
}

// Schema lists every table in creation order.
func Schema(schema string, groupTypes ...auth.GroupType) []Table {
	tables := []Table{RoleTable(schema), PermissionTable(schema), RolePermissionTable(schema)}
	for _, gt := range groupTypes {
		tables = append(tables, GroupTable(gt, schema))
	}
	return tables
}

// SchemaSQL renders the DDL for Schema, creating the schema itself first.
func SchemaSQL(schema string, groupTypes ...auth.GroupType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "create schema if not exists %s;\n", mustSchema(schema))
	for _, t := range Schema(schema, groupTypes...) {
		b.WriteString("\n")
		b.WriteString(t.CreateSQL())
	}
	return b.String()
}
