package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"quickpaste/pkg/domain"
)

// LRU caches immutable paste records in process. Entries carry the
// record's own expiry; callers still check expiry against their clock.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	rec *domain.PasteRecord
	exp time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}
func (l *LRU) Get(ctx context.Context, id string) *domain.PasteRecord {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if !it.exp.IsZero() && !time.Now().Before(it.exp) {
		l.c.Remove(id)
		return nil
	}
	return it.rec
}

// Set stores rec until its expiry, or until evicted when it has none.
func (l *LRU) Set(ctx context.Context, rec *domain.PasteRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(rec.ID, item{
		rec: rec,
		exp: rec.ExpiryTime(),
	})
}
func (l *LRU) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
