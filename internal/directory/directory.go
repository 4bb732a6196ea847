// Package directory reads the student and staff population from the
// organisation's system of record. The dispatcher only ever reads.
package directory

import (
	"context"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

type Filter struct {
	DepartmentID   int  // 0 means all departments
	IncludeParents bool // students only
}

type Directory interface {
	ListStudents(ctx context.Context, f Filter) ([]model.PersonRecord, error)
	ListStaff(ctx context.Context, f Filter) ([]model.PersonRecord, error)
	ListMailingListMembers(ctx context.Context, listID int) ([]model.PersonRecord, error)
}

// Static serves fixed data. Used for local runs and tests.
type Static struct {
	Students     []model.PersonRecord
	Staff        []model.PersonRecord
	MailingLists map[int][]model.PersonRecord
	// Calls counts every List* call.
	Calls int
}

func (s *Static) ListStudents(ctx context.Context, f Filter) ([]model.PersonRecord, error) {
	s.Calls++
	return byDepartment(s.Students, f.DepartmentID), nil
}

func (s *Static) ListStaff(ctx context.Context, f Filter) ([]model.PersonRecord, error) {
	s.Calls++
	return byDepartment(s.Staff, f.DepartmentID), nil
}

func (s *Static) ListMailingListMembers(ctx context.Context, listID int) ([]model.PersonRecord, error) {
	s.Calls++
	return s.MailingLists[listID], nil
}

func byDepartment(people []model.PersonRecord, departmentID int) []model.PersonRecord {
	if departmentID == 0 {
		return people
	}
	var out []model.PersonRecord
	for _, p := range people {
		if p.DepartmentID == departmentID {
			out = append(out, p)
		}
	}
	return out
}
