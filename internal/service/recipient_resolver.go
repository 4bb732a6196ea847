package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/directory"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/phone"
)

// BlacklistChecker is the part of the blacklist the resolver needs.
type BlacklistChecker interface {
	FilterActive(ctx context.Context, phones []string) (map[string]bool, error)
}

// RecipientResolver turns a campaign target into a deduplicated,
// blacklist-filtered candidate list. It never persists anything.
type RecipientResolver struct {
	Directory directory.Directory
	Blacklist BlacklistChecker
	Phone     *phone.Normalizer
	Policy    *TargetPolicy
	// HardFail makes directory errors abort resolution instead of
	// yielding an empty population.
	HardFail bool
	Log      zerolog.Logger
}

type Resolution struct {
	Candidates []model.RecipientCandidate
	Report     ImportReport
}

type rawEntry struct {
	line int // CSV line, 0 for other sources
	model.RecipientCandidate
}

func (r *RecipientResolver) Resolve(ctx context.Context, caller model.Caller, target model.Target) (*Resolution, error) {
	policy := r.Policy
	if policy == nil {
		policy = DefaultTargetPolicy()
	}
	if err := policy.Check(caller, target); err != nil {
		return nil, err
	}

	res := &Resolution{}
	entries, err := r.collect(ctx, target, &res.Report)
	if err != nil {
		return nil, err
	}
	res.Report.Total += len(entries)

	normalizer := r.Phone
	if normalizer == nil {
		normalizer = phone.Kenya
	}
	valid := make([]rawEntry, 0, len(entries))
	phones := make([]string, 0, len(entries))
	for _, e := range entries {
		canonical, err := normalizer.Normalize(e.Phone)
		if err != nil {
			res.Report.Errors = append(res.Report.Errors, RowError{Line: e.line, Value: e.Phone, Reason: err.Error()})
			continue
		}
		e.Phone = canonical
		if strings.TrimSpace(e.Name) == "" {
			e.Name = canonical
		}
		valid = append(valid, e)
		phones = append(phones, canonical)
	}

	blocked := map[string]bool{}
	if r.Blacklist != nil && len(phones) > 0 {
		if blocked, err = r.Blacklist.FilterActive(ctx, phones); err != nil {
			return nil, fmt.Errorf("check blacklist: %w", err)
		}
	}

	seen := make(map[string]bool, len(valid))
	for _, e := range valid {
		if blocked[e.Phone] {
			res.Report.Blacklisted++
			continue
		}
		if seen[e.Phone] {
			res.Report.Duplicates++
			continue
		}
		seen[e.Phone] = true
		res.Candidates = append(res.Candidates, e.RecipientCandidate)
	}
	res.Report.Imported = len(res.Candidates)
	return res, nil
}

func (r *RecipientResolver) collect(ctx context.Context, target model.Target, report *ImportReport) ([]rawEntry, error) {
	switch target.Kind {
	case model.TargetAllStudents:
		people, err := r.fromDirectory(ctx, target.Kind, func() ([]model.PersonRecord, error) {
			return r.Directory.ListStudents(ctx, directory.Filter{DepartmentID: target.DepartmentID, IncludeParents: target.IncludeParents})
		})
		return withParents(people, target.IncludeParents), err
	case model.TargetAllStaff:
		people, err := r.fromDirectory(ctx, target.Kind, func() ([]model.PersonRecord, error) {
			return r.Directory.ListStaff(ctx, directory.Filter{})
		})
		return fromPeople(people, model.CategoryStaff), err
	case model.TargetDepartment:
		if target.DepartmentID == 0 {
			return nil, fmt.Errorf("department target requires a department id")
		}
		people, err := r.fromDirectory(ctx, target.Kind, func() ([]model.PersonRecord, error) {
			return r.Directory.ListStaff(ctx, directory.Filter{DepartmentID: target.DepartmentID})
		})
		return fromPeople(people, model.CategoryStaff), err
	case model.TargetMailingList:
		people, err := r.fromDirectory(ctx, target.Kind, func() ([]model.PersonRecord, error) {
			return r.Directory.ListMailingListMembers(ctx, target.MailingListID)
		})
		return fromPeople(people, model.CategoryOther), err
	case model.TargetAdhoc:
		rows, rowErrs, err := parseRecipientCSV(target.CSV)
		if err != nil {
			return nil, err
		}
		report.Total += len(rowErrs)
		report.Errors = append(report.Errors, rowErrs...)
		entries := make([]rawEntry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, rawEntry{line: row.line, RecipientCandidate: model.RecipientCandidate{
				Phone: row.phone, Name: row.name, Department: row.department, Category: row.category,
			}})
		}
		return entries, nil
	case model.TargetManual:
		numbers := splitManualNumbers(target.ManualNumbers)
		entries := make([]rawEntry, 0, len(numbers))
		for _, n := range numbers {
			entries = append(entries, rawEntry{RecipientCandidate: model.RecipientCandidate{Phone: n, Category: model.CategoryOther}})
		}
		return entries, nil
	}
	return nil, fmt.Errorf("unknown target kind %q", target.Kind)
}

func (r *RecipientResolver) fromDirectory(ctx context.Context, kind model.TargetKind, fetch func() ([]model.PersonRecord, error)) ([]model.PersonRecord, error) {
	if r.Directory == nil {
		return nil, fmt.Errorf("no directory configured for %s targets", kind)
	}
	people, err := fetch()
	if err != nil {
		if r.HardFail {
			return nil, fmt.Errorf("directory lookup for %s: %w", kind, err)
		}
		r.Log.Warn().Err(err).Str("target", string(kind)).Msg("directory lookup failed, resolving to no recipients")
		return nil, nil
	}
	return people, nil
}

func fromPeople(people []model.PersonRecord, fallback model.RecipientCategory) []rawEntry {
	entries := make([]rawEntry, 0, len(people))
	for _, p := range people {
		if !p.OptedIn {
			continue
		}
		category := p.Category
		if category == "" {
			category = fallback
		}
		entries = append(entries, rawEntry{RecipientCandidate: model.RecipientCandidate{
			Phone: p.Phone, Name: p.Name, Email: p.Email, Department: p.Department, Category: category,
		}})
	}
	return entries
}

func withParents(students []model.PersonRecord, includeParents bool) []rawEntry {
	entries := fromPeople(students, model.CategoryStudent)
	if !includeParents {
		return entries
	}
	for _, s := range students {
		if !s.OptedIn {
			continue
		}
		for _, p := range s.ParentPhones {
			entries = append(entries, rawEntry{RecipientCandidate: model.RecipientCandidate{
				Phone: p, Name: "Parent of " + s.Name, Department: s.Department, Category: model.CategoryParent,
			}})
		}
	}
	return entries
}
