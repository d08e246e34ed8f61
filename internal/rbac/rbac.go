// Package rbac maps workspace roles to what a relay connection may do.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead opens a document and receives its updates and presence.
	ActionRead Action = "read"
	// ActionWrite sends updates.
	ActionWrite Action = "write"
	// ActionInspect reads replica bindings and checkpoint history.
	ActionInspect Action = "inspect"
	ActionAdmin   Action = "admin"
)

// Can reports whether role may perform action. Commenters annotate outside
// the shared document, so inside it they are read-only like viewers.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionInspect
	case RoleCommenter, RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// ReadOnly reports whether connections of role get a read-only document.
func ReadOnly(role Role) bool {
	return !Can(role, ActionWrite)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
