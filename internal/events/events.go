// Package events defines the messages exchanged with the rest of the
// platform over the ts.messaging exchange.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"thunderstorm.io/auth/internal/auth"
)

// Exchange is the topic exchange all auth traffic flows through.
const Exchange = "ts.messaging"

// Routing keys.
const (
	PermissionNew    = "permission.new"
	PermissionDelete = "permission.delete"
	RoleData         = "role.data"
	GroupsRepublish  = "complex-group.republish"
	AuditData        = "audit.data"
)

// Event is an encoded message ready for a Publisher. A positive TTL bounds
// how long the broker keeps the message undelivered.
type Event struct {
	RoutingKey string
	Body       []byte
	TTL        time.Duration
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// PermissionPayload announces a permission created or deleted by a service.
type PermissionPayload struct {
	UUID        string `json:"uuid"`
	ServiceName string `json:"service_name,omitempty"`
	Permission  string `json:"permission,omitempty"`
}

// PermissionEvent builds the lifecycle event for p: permission.delete when p
// is soft-deleted, permission.new otherwise.
func PermissionEvent(p auth.Permission) (Event, error) {
	if p.IsDeleted {
		return encode(PermissionDelete, PermissionPayload{UUID: p.UUID})
	}
	return encode(PermissionNew, PermissionPayload{
		UUID:        p.UUID,
		ServiceName: p.ServiceName,
		Permission:  p.Permission,
	})
}

// RepublishRequest asks the owner of group data to resend every group.
func RepublishRequest() (Event, error) {
	return encode(GroupsRepublish, struct{}{})
}

func encode[T any](routingKey string, payload T) (Event, error) {
	body, err := json.Marshal(envelope[T]{Data: payload})
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", routingKey, err)
	}
	return Event{RoutingKey: routingKey, Body: body}, nil
}

// PermissionRef is a permission referenced by a role definition.
type PermissionRef struct {
	UUID       string `json:"uuid"`
	Service    string `json:"service"`
	Permission string `json:"permission_string"`
}

// Role is the authoritative definition of a role and its permissions.
type Role struct {
	UUID        string          `json:"uuid"`
	Type        string          `json:"type"`
	Permissions []PermissionRef `json:"permissions"`
}

// Group is the desired membership of one group.
type Group struct {
	GroupUUID string   `json:"group_uuid"`
	Members   []string `json:"members"`
}

// RoleEvent encodes a role.data message.
func RoleEvent(r Role) (Event, error) {
	return encode(RoleData, r)
}

// GroupEvent encodes the membership message of group type gt.
func GroupEvent(gt auth.GroupType, g Group) (Event, error) {
	return encode(gt.RoutingKey, g)
}

// Audit describes one authenticated API call.
type Audit struct {
	Method           string   `json:"method"`
	Action           string   `json:"action"`
	Endpoint         string   `json:"endpoint"`
	Username         string   `json:"username"`
	OrganizationUUID *string  `json:"organization_uuid"`
	Roles            []string `json:"roles,omitempty"`
	Groups           []string `json:"groups,omitempty"`
	Status           string   `json:"status"`
}

// AuditEvent builds the audit.data event for a.
func AuditEvent(a Audit) (Event, error) {
	if a.Username == "" || a.Method == "" || a.Endpoint == "" {
		return Event{}, auth.Errorf(auth.ErrInvalidInput, "audit requires username, method and endpoint")
	}
	return encode(AuditData, a)
}

// DecodeRole parses and validates a role.data body.
func DecodeRole(body []byte) (Role, error) {
	var env envelope[*Role]
	if err := json.Unmarshal(body, &env); err != nil {
		return Role{}, auth.Wrap(auth.ErrInvalidInput, fmt.Errorf("decode role: %w", err))
	}
	if env.Data == nil {
		return Role{}, auth.Errorf(auth.ErrInvalidInput, "role message has no data")
	}
	r := *env.Data
	if !validUUID(r.UUID) || strings.TrimSpace(r.Type) == "" || r.Permissions == nil {
		return Role{}, auth.Errorf(auth.ErrInvalidInput, "role requires uuid, type and permissions")
	}
	for _, p := range r.Permissions {
		if !validUUID(p.UUID) || p.Service == "" || p.Permission == "" {
			return Role{}, auth.Errorf(auth.ErrInvalidInput, "role permission requires uuid, service and permission_string")
		}
	}
	return r, nil
}

// DecodeGroup parses and validates a group membership body.
func DecodeGroup(body []byte) (Group, error) {
	var env envelope[*Group]
	if err := json.Unmarshal(body, &env); err != nil {
		return Group{}, auth.Wrap(auth.ErrInvalidInput, fmt.Errorf("decode group: %w", err))
	}
	if env.Data == nil {
		return Group{}, auth.Errorf(auth.ErrInvalidInput, "group message has no data")
	}
	g := *env.Data
	if !validUUID(g.GroupUUID) {
		return Group{}, auth.Errorf(auth.ErrInvalidInput, "group requires a group_uuid")
	}
	if g.Members == nil {
		g.Members = []string{}
	}
	for _, m := range g.Members {
		if !validUUID(m) {
			return Group{}, auth.Errorf(auth.ErrInvalidInput, fmt.Sprintf("invalid member uuid %q", m))
		}
	}
	return g, nil
}

// DecodePermission parses a permission lifecycle body.
func DecodePermission(body []byte) (PermissionPayload, error) {
	var env envelope[PermissionPayload]
	if err := json.Unmarshal(body, &env); err != nil {
		return PermissionPayload{}, auth.Wrap(auth.ErrInvalidInput, fmt.Errorf("decode permission: %w", err))
	}
	if !validUUID(env.Data.UUID) {
		return PermissionPayload{}, auth.Errorf(auth.ErrInvalidInput, "permission requires a uuid")
	}
	return env.Data, nil
}

func validUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
