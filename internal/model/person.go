// internal/model/person.go
package model

// PersonRecord is one row returned by the student/staff directory.
type PersonRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Phone        string            `json:"phone"`
	Email        string            `json:"email"`
	DepartmentID int               `json:"department_id"`
	Department   string            `json:"department"`
	Category     RecipientCategory `json:"category"`
	ParentPhones []string          `json:"parent_phones,omitempty"`
	OptedIn      bool              `json:"opted_in"`
}
