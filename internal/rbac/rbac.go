package rbac

type Role string
type Action string

const (
	RoleClient       Role = "client"
	RoleProfessional Role = "professional"
	RoleBusiness     Role = "business"
	RoleAdmin        Role = "admin"
)

const (
	// ActionRead covers conversations the user takes part in.
	ActionRead Action = "read"
	ActionSend Action = "send"
	// ActionStart opens a new conversation.
	ActionStart Action = "start"
	// ActionReview reads any conversation, for dispute handling.
	ActionReview Action = "review"
	ActionExport Action = "export"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action == ActionRead || action == ActionReview || action == ActionExport
	case RoleClient, RoleProfessional, RoleBusiness:
		return action == ActionRead || action == ActionSend || action == ActionStart || action == ActionExport
	default:
		return false
	}
}

// IsProvider reports whether the role sits on the professional side of a conversation.
func IsProvider(role Role) bool {
	return role == RoleProfessional || role == RoleBusiness
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleProfessional, RoleBusiness, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
