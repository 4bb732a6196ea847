package service

import (
	"fmt"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

// TargetPolicy decides which target kinds a role may resolve. It holds
// no directory access of its own.
type TargetPolicy struct {
	allowed map[model.Role]map[model.TargetKind]bool
	// ownDepartmentOnly roles may target only the department they belong to.
	ownDepartmentOnly map[model.Role]bool
}

func kinds(k ...model.TargetKind) map[model.TargetKind]bool {
	m := make(map[model.TargetKind]bool, len(k))
	for _, kind := range k {
		m[kind] = true
	}
	return m
}

// DefaultTargetPolicy is the capability table for this deployment.
// Uploads and manual lists are open to every role.
func DefaultTargetPolicy() *TargetPolicy {
	return &TargetPolicy{
		allowed: map[model.Role]map[model.TargetKind]bool{
			model.RoleSystemAdmin: kinds(model.TargetAllStudents, model.TargetAllStaff, model.TargetDepartment,
				model.TargetMailingList, model.TargetAdhoc, model.TargetManual),
			model.RoleAdministrator: kinds(model.TargetAllStudents, model.TargetAllStaff, model.TargetDepartment,
				model.TargetMailingList, model.TargetAdhoc, model.TargetManual),
			model.RoleFacultyAdmin:    kinds(model.TargetAllStudents, model.TargetAdhoc, model.TargetManual),
			model.RoleDepartmentAdmin: kinds(model.TargetDepartment, model.TargetAdhoc, model.TargetManual),
			model.RoleBasicUser:       kinds(model.TargetAdhoc, model.TargetManual),
		},
		ownDepartmentOnly: map[model.Role]bool{model.RoleDepartmentAdmin: true},
	}
}

// Check returns an error wrapping ErrPermissionDenied when caller may not
// resolve target.
func (p *TargetPolicy) Check(caller model.Caller, target model.Target) error {
	if !p.allowed[caller.Role][target.Kind] {
		return fmt.Errorf("%w: role %q cannot target %q", appErrors.ErrPermissionDenied, caller.Role, target.Kind)
	}
	if target.Kind == model.TargetDepartment && p.ownDepartmentOnly[caller.Role] {
		if caller.DepartmentID == 0 || target.DepartmentID != caller.DepartmentID {
			return fmt.Errorf("%w: role %q may only target department %d", appErrors.ErrPermissionDenied, caller.Role, caller.DepartmentID)
		}
	}
	return nil
}

// Allowed lists the target kinds open to role.
func (p *TargetPolicy) Allowed(role model.Role) []model.TargetKind {
	var out []model.TargetKind
	for _, k := range []model.TargetKind{model.TargetAllStudents, model.TargetAllStaff, model.TargetDepartment,
		model.TargetMailingList, model.TargetAdhoc, model.TargetManual} {
		if p.allowed[role][k] {
			out = append(out, k)
		}
	}
	return out
}

// CanManageGateways is limited to system admins.
func CanManageGateways(caller model.Caller) bool {
	return caller.Role == model.RoleSystemAdmin
}
