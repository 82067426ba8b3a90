package models

const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleWorker     = "worker"
)

// Статусы задач, при которых задача считается активной.
const (
	TaskStatusAssigned   = "assigned"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
)

type Profile struct {
	ID             string  `json:"id"`
	FullName       string  `json:"full_name"`
	Role           string  `json:"role"`
	OrganizationID *string `json:"organization_id"`
}

// Privileged reports whether the profile may see other users' records.
func (p *Profile) Privileged() bool {
	return p != nil && IsPrivilegedRole(p.Role)
}

func IsPrivilegedRole(role string) bool {
	return role == RoleAdmin || role == RoleSupervisor
}

type TaskSnapshot struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID string
	Role   string
}

func (c Caller) Authenticated() bool {
	return c.UserID != ""
}
