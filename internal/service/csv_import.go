package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

// RowError reports one rejected CSV row. Line is 1-based and counts the header.
type RowError struct {
	Line   int    `json:"line"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

// ImportReport summarises one CSV or manual-list resolution.
type ImportReport struct {
	Total       int        `json:"total"`
	Imported    int        `json:"imported"`
	Duplicates  int        `json:"duplicates"`
	Blacklisted int        `json:"blacklisted"`
	Errors      []RowError `json:"errors,omitempty"`
}

// csvRow is one parsed, not yet normalized upload row.
type csvRow struct {
	line       int
	phone      string
	name       string
	department string
	category   model.RecipientCategory
}

// parseRecipientCSV reads the upload format: a header with at least
// name and phone columns (any order, case-insensitive), optionally
// department and category. Bad rows are reported, never fatal.
func parseRecipientCSV(blob string) ([]csvRow, []RowError, error) {
	reader := csv.NewReader(strings.NewReader(blob))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: empty file", appErrors.ErrInvalidCSV)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidCSV, err)
	}

	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	phoneCol, ok := cols["phone"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: header must contain a phone column", appErrors.ErrInvalidCSV)
	}
	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []csvRow
	var rowErrs []RowError
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Reason: err.Error()})
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		p := ""
		if phoneCol < len(rec) {
			p = strings.TrimSpace(rec[phoneCol])
		}
		if p == "" {
			rowErrs = append(rowErrs, RowError{Line: line, Reason: "missing phone"})
			continue
		}
		category := model.RecipientCategory(strings.ToLower(field(rec, "category")))
		switch category {
		case model.CategoryStudent, model.CategoryStaff, model.CategoryParent, model.CategoryOther:
		default:
			category = model.CategoryOther
		}
		rows = append(rows, csvRow{
			line:       line,
			phone:      p,
			name:       field(rec, "name"),
			department: field(rec, "department"),
			category:   category,
		})
	}
	return rows, rowErrs, nil
}

// splitManualNumbers accepts comma, semicolon or newline separated numbers.
func splitManualNumbers(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
