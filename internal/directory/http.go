package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

// HTTPDirectory reads from the dataservice REST API. Responses are either
// a bare JSON array or an object with a "data" array.
type HTTPDirectory struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPDirectory(baseURL, token string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDirectory{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) ListStudents(ctx context.Context, f Filter) ([]model.PersonRecord, error) {
	return d.list(ctx, "/students", filterQuery(f), model.CategoryStudent)
}

func (d *HTTPDirectory) ListStaff(ctx context.Context, f Filter) ([]model.PersonRecord, error) {
	return d.list(ctx, "/staff", filterQuery(f), model.CategoryStaff)
}

func (d *HTTPDirectory) ListMailingListMembers(ctx context.Context, listID int) ([]model.PersonRecord, error) {
	return d.list(ctx, "/mailing-lists/"+strconv.Itoa(listID)+"/members", nil, model.CategoryOther)
}

func filterQuery(f Filter) url.Values {
	q := url.Values{}
	if f.DepartmentID != 0 {
		q.Set("department_id", strconv.Itoa(f.DepartmentID))
	}
	if f.IncludeParents {
		q.Set("include_parents", "true")
	}
	return q
}

func (d *HTTPDirectory) list(ctx context.Context, path string, q url.Values, category model.RecipientCategory) ([]model.PersonRecord, error) {
	u := d.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("directory %s: read: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory %s: status %d", path, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("directory %s: invalid json", path)
	}

	rows := gjson.ParseBytes(body)
	if !rows.IsArray() {
		rows = rows.Get("data")
	}
	var out []model.PersonRecord
	rows.ForEach(func(_, row gjson.Result) bool {
		out = append(out, parsePerson(row, category))
		return true
	})
	return out, nil
}

func parsePerson(row gjson.Result, category model.RecipientCategory) model.PersonRecord {
	p := model.PersonRecord{
		ID:           row.Get("id").String(),
		Name:         row.Get("name").String(),
		Phone:        firstNonEmpty(row.Get("mobile").String(), row.Get("phone").String()),
		Email:        row.Get("email").String(),
		DepartmentID: int(row.Get("department_id").Int()),
		Department:   row.Get("department").String(),
		Category:     category,
		OptedIn:      true,
	}
	if v := row.Get("category"); v.Exists() {
		p.Category = model.RecipientCategory(v.String())
	}
	if v := row.Get("opted_in"); v.Exists() {
		p.OptedIn = v.Bool()
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(row.Get("first_name").String() + " " + row.Get("last_name").String())
	}
	row.Get("parent_phones").ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" {
			p.ParentPhones = append(p.ParentPhones, s)
		}
		return true
	})
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
