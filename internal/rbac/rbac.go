// Package rbac holds the static role capability table gating engine
// operations.
package rbac

import "fmt"

// Roles known to the capability table. Anything else is denied.
const (
	RoleAdmin      = "admin"
	RoleController = "controller"
	RoleMember     = "member"
	RoleBDE        = "bde"
)

// ForbiddenError indicates a role/ownership guard failure. It is surfaced
// as-is and never retried.
type ForbiddenError struct {
	Role     string
	Resource string
	Action   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not %s %s", e.Role, e.Action, e.Resource)
}

var capabilities = map[string]map[string][]string{
	RoleController: {
		"templates": {"view", "create", "edit"},
		"instances": {"view", "create", "edit", "assign"},
		"clients":   {"view", "create", "edit"},
		"approvals": {"view", "approve", "reject"},
		"tasks":     {"view"},
	},
	RoleMember: {
		"tasks":     {"view", "execute", "complete"},
		"instances": {"view"},
		"templates": {"view"},
	},
	RoleBDE: {
		"clients":   {"view", "create", "edit"},
		"instances": {"view"},
	},
}

// CanAccess reports whether role may perform action on resource. Admin may
// do everything. Unknown roles deny rather than error.
func CanAccess(role, resource, action string) bool {
	if role == RoleAdmin {
		return true
	}
	actions, ok := capabilities[role][resource]
	if !ok {
		return false
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// Require is CanAccess with a ForbiddenError on denial.
func Require(role, resource, action string) error {
	if CanAccess(role, resource, action) {
		return nil
	}
	return ForbiddenError{Role: role, Resource: resource, Action: action}
}

var hierarchy = map[string]int{
	RoleAdmin:      4,
	RoleController: 3,
	RoleBDE:        2,
	RoleMember:     1,
}

// HasRole reports whether role sits at or above required in the role
// hierarchy. Unknown roles rank below everything.
func HasRole(role, required string) bool {
	return hierarchy[role] >= hierarchy[required] && hierarchy[role] > 0
}
