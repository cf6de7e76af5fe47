package domain

import "github.com/google/uuid"

// Role is the coarse authorization level of an acting user. The underlying
// account system is an external collaborator; this core only needs to tell
// teachers from admins for operation gating and status presentation.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system" // internal workers (queue processor, escalator)
)

// Actor identifies who requested an operation.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
	Name string    `json:"name,omitempty"`
}

// Admin reports whether the actor may perform admin-only operations.
func (a Actor) Admin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}
