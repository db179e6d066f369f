package auth

import (
	"fmt"
	"strings"
)

// Role is a closed set of roles ordered by rank.
type Role string

const (
	RoleUser       Role = "user"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

var roleRanks = map[Role]int{
	RoleUser:       1,
	RoleManager:    2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// Rank is 0 for unknown roles.
func (r Role) Rank() int {
	return roleRanks[r]
}

func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Roles lists every role, lowest rank first.
func Roles() []Role {
	return []Role{RoleUser, RoleManager, RoleAdmin, RoleSuperAdmin}
}

type Operation string

const (
	OpGet        Operation = "GET"
	OpCreate     Operation = "CREATE"
	OpUpdate     Operation = "UPDATE"
	OpDelete     Operation = "DELETE"
	OpAssign     Operation = "ASSIGN"
	OpDrop       Operation = "DROP"
	OpTransition Operation = "TRANSITION"
	OpDelay      Operation = "DELAY"
	OpEnable     Operation = "ENABLE"
	OpDisable    Operation = "DISABLE"
	OpLock       Operation = "LOCK"
	OpUnlock     Operation = "UNLOCK"
)

var operations = map[Operation]struct{}{
	OpGet: {}, OpCreate: {}, OpUpdate: {}, OpDelete: {}, OpAssign: {}, OpDrop: {},
	OpTransition: {}, OpDelay: {}, OpEnable: {}, OpDisable: {}, OpLock: {}, OpUnlock: {},
}

func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := operations[op]; !ok {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

type Resource string

const (
	ResTask         Resource = "TASK"
	ResUser         Resource = "USER"
	ResOrganisation Resource = "ORGANISATION"
	ResRoles        Resource = "ROLES"
	ResTaskType     Resource = "TASK_TYPE"
	ResLabel        Resource = "LABEL"
)

var resources = map[Resource]struct{}{
	ResTask: {}, ResUser: {}, ResOrganisation: {}, ResRoles: {}, ResTaskType: {}, ResLabel: {},
}

func ParseResource(s string) (Resource, error) {
	res := Resource(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := resources[res]; !ok {
		return "", fmt.Errorf("unknown resource %q", s)
	}
	return res, nil
}

// Scope is the breadth over which a permission applies.
type Scope string

const (
	ScopeSelf   Scope = "SELF"
	ScopeOrg    Scope = "ORG"
	ScopeGlobal Scope = "GLOBAL"
)

func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToUpper(strings.TrimSpace(s))); sc {
	case ScopeSelf, ScopeOrg, ScopeGlobal:
		return sc, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Permission maps (role, operation, resource) to a scope.
type Permission struct {
	Role      Role      `json:"role" yaml:"role"`
	Operation Operation `json:"operation" yaml:"operation"`
	Resource  Resource  `json:"resource" yaml:"resource"`
	Scope     Scope     `json:"scope" yaml:"scope"`
}

func (p Permission) Key() Key {
	return Key{Role: p.Role, Operation: p.Operation, Resource: p.Resource}
}

func (p Permission) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Operation, p.Resource, p.Scope)
}

// ParsePermission reads "OPERATION:RESOURCE:SCOPE" for role.
func ParsePermission(role Role, raw string) (Permission, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return Permission{}, fmt.Errorf("permission %q: want OPERATION:RESOURCE:SCOPE", raw)
	}
	op, err := ParseOperation(parts[0])
	if err != nil {
		return Permission{}, err
	}
	res, err := ParseResource(parts[1])
	if err != nil {
		return Permission{}, err
	}
	scope, err := ParseScope(parts[2])
	if err != nil {
		return Permission{}, err
	}
	return Permission{Role: role, Operation: op, Resource: res, Scope: scope}, nil
}
