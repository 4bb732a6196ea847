package directory

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

// Cached memoises directory lists for a short TTL. Campaign preparation
// often resolves the same population several times in a row.
type Cached struct {
	Next  Directory
	cache *gocache.Cache
}

func NewCached(next Directory, ttl time.Duration) *Cached {
	return &Cached{Next: next, cache: gocache.New(ttl, 2*ttl)}
}

func (c *Cached) ListStudents(ctx context.Context, f Filter) ([]model.PersonRecord, error) {
	return c.load(fmt.Sprintf("students:%d:%t", f.DepartmentID, f.IncludeParents), func() ([]model.PersonRecord, error) {
		return c.Next.ListStudents(ctx, f)
	})
}

func (c *Cached) ListStaff(ctx context.Context, f Filter) ([]model.PersonRecord, error) {
	return c.load(fmt.Sprintf("staff:%d", f.DepartmentID), func() ([]model.PersonRecord, error) {
		return c.Next.ListStaff(ctx, f)
	})
}

func (c *Cached) ListMailingListMembers(ctx context.Context, listID int) ([]model.PersonRecord, error) {
	return c.load(fmt.Sprintf("list:%d", listID), func() ([]model.PersonRecord, error) {
		return c.Next.ListMailingListMembers(ctx, listID)
	})
}

func (c *Cached) load(key string, fetch func() ([]model.PersonRecord, error)) ([]model.PersonRecord, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.([]model.PersonRecord), nil
	}
	people, err := fetch()
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, people)
	return people, nil
}

// Flush drops every cached list.
func (c *Cached) Flush() { c.cache.Flush() }
