package auth

import (
	"context"
	"sort"
	"sync"
)

// Key is the composite primary key of a permission row.
type Key struct {
	Role      Role
	Operation Operation
	Resource  Resource
}

// PermissionSource loads the persisted permission table.
type PermissionSource interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// PermissionStore is a process-wide, read-mostly permission table.
// The table only changes through administrative reseeding.
type PermissionStore struct {
	mu    sync.RWMutex
	table map[Key]Scope
}

func NewPermissionStore(perms []Permission) *PermissionStore {
	s := &PermissionStore{}
	s.Replace(perms)
	return s
}

// LoadPermissionStore builds a store from src.
func LoadPermissionStore(ctx context.Context, src PermissionSource) (*PermissionStore, error) {
	perms, err := src.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	return NewPermissionStore(perms), nil
}

// Lookup returns the scope granted to role, or false when no row exists.
func (s *PermissionStore) Lookup(role Role, op Operation, res Resource) (Scope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope, ok := s.table[Key{Role: role, Operation: op, Resource: res}]
	return scope, ok
}

// Replace swaps the whole table.
func (s *PermissionStore) Replace(perms []Permission) {
	table := make(map[Key]Scope, len(perms))
	for _, p := range perms {
		table[p.Key()] = p.Scope
	}
	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
}

// Reload re-reads the table from src.
func (s *PermissionStore) Reload(ctx context.Context, src PermissionSource) error {
	perms, err := src.ListPermissions(ctx)
	if err != nil {
		return err
	}
	s.Replace(perms)
	return nil
}

// Permissions returns a sorted snapshot.
func (s *PermissionStore) Permissions() []Permission {
	s.mu.RLock()
	out := make([]Permission, 0, len(s.table))
	for k, scope := range s.table {
		out = append(out, Permission{Role: k.Role, Operation: k.Operation, Resource: k.Resource, Scope: scope})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Role != b.Role {
			return a.Role.Rank() < b.Role.Rank()
		}
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		return a.Operation < b.Operation
	})
	return out
}
