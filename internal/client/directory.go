package client

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// CachedDirectory memoizes staff lookups for a short TTL. Approver checks
// read the same few managers on every decision, and the HR directory changes
// rarely. Misses are not cached so a newly hired employee is visible at once.
type CachedDirectory struct {
	next  repository.StaffReader
	cache *gocache.Cache
	log   *logger.Logger
}

var _ repository.StaffReader = (*CachedDirectory)(nil)

// NewCachedDirectory wraps next. A non-positive ttl disables expiry.
func NewCachedDirectory(next repository.StaffReader, ttl time.Duration, log *logger.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &CachedDirectory{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
		log:   log.Component("directory"),
	}
}

// GetStaff returns a copy of the cached record, loading it on a miss.
func (d *CachedDirectory) GetStaff(ctx context.Context, id string) (*repository.Staff, error) {
	if v, ok := d.cache.Get(id); ok {
		return copyStaff(v.(*repository.Staff)), nil
	}
	s, err := d.next.GetStaff(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(id, copyStaff(s))
	d.log.Debug().Str("staff_id", id).Msg("directory: cached staff record")
	return s, nil
}

// Invalidate drops one record, or every record when id is empty.
func (d *CachedDirectory) Invalidate(id string) {
	if id == "" {
		d.cache.Flush()
		return
	}
	d.cache.Delete(id)
}

func copyStaff(s *repository.Staff) *repository.Staff {
	cp := *s
	cp.RoleCodes = append([]string(nil), s.RoleCodes...)
	return &cp
}
