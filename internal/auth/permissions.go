package auth

import (
	"strings"
	"sync"
)

// Registry collects the permission strings a service guards its routes with.
// It is built once at start-up and passed to whatever needs it.
type Registry struct {
	mu    sync.RWMutex
	perms map[string]struct{}
}

// NewRegistry returns a registry pre-populated with perms.
func NewRegistry(perms ...string) *Registry {
	r := &Registry{perms: make(map[string]struct{}, len(perms))}
	for _, p := range perms {
		r.Register(p)
	}
	return r
}

// Register records permission. Blank strings are ignored.
func (r *Registry) Register(permission string) {
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return
	}
	r.mu.Lock()
	r.perms[permission] = struct{}{}
	r.mu.Unlock()
}

// Has reports whether permission was registered.
func (r *Registry) Has(permission string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.perms[permission]
	return ok
}

// List returns the registered permissions sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.perms))
	for p := range r.perms {
		out = append(out, p)
	}
	r.mu.RUnlock()
	return sortedCopy(out)
}

// PermissionsInfo compares the registered permissions with the persisted ones.
type PermissionsInfo struct {
	Registered []string
	DB         []Permission
	// ToInsert lists registered strings with no row at all.
	ToInsert []string
	// ToUndelete lists UUIDs of soft-deleted rows that are registered again.
	ToUndelete []string
	// ToDelete lists UUIDs of rows no longer registered, deleted or not.
	ToDelete []string
}

// Reconcile computes the changes needed to bring rows in line with registered.
func Reconcile(registered []string, rows []Permission) PermissionsInfo {
	info := PermissionsInfo{
		Registered: sortedCopy(registered),
		DB:         append([]Permission(nil), rows...),
		ToInsert:   []string{},
		ToUndelete: []string{},
		ToDelete:   []string{},
	}

	wanted := make(map[string]struct{}, len(registered))
	for _, p := range registered {
		wanted[p] = struct{}{}
	}
	found := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := wanted[row.Permission]; !ok {
			info.ToDelete = append(info.ToDelete, row.UUID)
			continue
		}
		found[row.Permission] = struct{}{}
		if row.IsDeleted {
			info.ToUndelete = append(info.ToUndelete, row.UUID)
		}
	}
	for _, p := range info.Registered {
		if _, ok := found[p]; !ok {
			info.ToInsert = append(info.ToInsert, p)
		}
	}
	return info
}

// NeedsUpdate reports whether applying the reconciliation would change any row.
// Unregistered rows that are already soft-deleted need nothing.
func (i PermissionsInfo) NeedsUpdate() bool {
	if len(i.ToInsert) > 0 || len(i.ToUndelete) > 0 {
		return true
	}
	deleted := make(map[string]bool, len(i.DB))
	for _, row := range i.DB {
		deleted[row.UUID] = row.IsDeleted
	}
	for _, id := range i.ToDelete {
		if !deleted[id] {
			return true
		}
	}
	return false
}

// PermissionByUUID returns the persisted row with uuid.
func (i PermissionsInfo) PermissionByUUID(uuid string) (Permission, bool) {
	for _, row := range i.DB {
		if row.UUID == uuid {
			return row, true
		}
	}
	return Permission{}, false
}
