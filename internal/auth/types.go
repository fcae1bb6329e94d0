package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// Role groups permissions under a unique human-readable type.
type Role struct {
	UUID string
	Type string
}

// Permission is a permission string registered by a service. Deleted
// permissions are soft-deleted and IsSent tracks downstream publication.
type Permission struct {
	UUID        string
	ServiceName string
	Permission  string
	IsDeleted   bool
	IsSent      bool
}

// RolePermission associates a role with a permission.
type RolePermission struct {
	RoleUUID       string
	PermissionUUID string
}

// GroupAssociation records that a member entity belongs to a group.
type GroupAssociation struct {
	GroupUUID  string
	MemberUUID string
}

// DefaultSchema is the database schema holding the auth tables.
const DefaultSchema = "ts_auth"

var groupTypeName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// GroupType parameterises the storage table, member column and event naming
// used to synchronise one kind of group membership.
type GroupType struct {
	Name         string
	TableName    string
	MemberColumn string
	TaskName     string
	RoutingKey   string
}

// NewGroupType derives a GroupType from its name, e.g. "complex" yields table
// complex_group_map, column complex_uuid and routing key group.complex.data.
func NewGroupType(name string) (GroupType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !groupTypeName.MatchString(name) {
		return GroupType{}, Errorf(ErrConfiguration, fmt.Sprintf("invalid group type %q", name))
	}
	return GroupType{
		Name:         name,
		TableName:    name + "_group_map",
		MemberColumn: name + "_uuid",
		TaskName:     "thunderstorm_auth.group.sync." + name,
		RoutingKey:   "group." + name + ".data",
	}, nil
}

// MustGroupType is like NewGroupType but panics on an invalid name.
func MustGroupType(name string) GroupType {
	gt, err := NewGroupType(name)
	if err != nil {
		panic(err)
	}
	return gt
}

// ComplexGroup is the group type shipped by default.
var ComplexGroup = MustGroupType("complex")
