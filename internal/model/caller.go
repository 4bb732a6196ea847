// internal/model/caller.go
package model

type Role string

const (
	RoleSystemAdmin     Role = "system_admin"
	RoleAdministrator   Role = "administrator"
	RoleFacultyAdmin    Role = "faculty_admin"
	RoleDepartmentAdmin Role = "department_admin"
	RoleBasicUser       Role = "basic_user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystemAdmin, RoleAdministrator, RoleFacultyAdmin, RoleDepartmentAdmin, RoleBasicUser:
		return true
	}
	return false
}

// Caller is the already-authenticated user on whose behalf an operation runs.
type Caller struct {
	UserID       int  `json:"user_id"`
	Role         Role `json:"role"`
	DepartmentID int  `json:"department_id"`
}

// SystemCaller is used by the scheduler for deferred sends.
func SystemCaller(role Role) Caller {
	return Caller{Role: role}
}
