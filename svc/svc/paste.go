package svc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"quickpaste/cfg"
	"quickpaste/metrics"
	"quickpaste/pkg/domain"
	"quickpaste/svc/cache"
	"quickpaste/svc/ident"
	"quickpaste/svc/upload"
	"quickpaste/svc/util"
)

// maxWriteAttempts bounds how often Create re-allocates after the
// conditional write reports the id was taken in the meantime.
const maxWriteAttempts = 3

// RecordStore persists paste records. PutIfAbsent must fail with
// domain.ErrKeyExists when the id is already present.
type RecordStore interface {
	Get(ctx context.Context, id string) (*domain.PasteRecord, error)
	Exists(ctx context.Context, id string) (bool, error)
	PutIfAbsent(ctx context.Context, rec *domain.PasteRecord) error
	Ping(ctx context.Context) error
	Close() error
}

type Paste struct {
	store    RecordStore
	lru      *cache.LRU
	alloc    *ident.Allocator
	uploads  *upload.Coordinator
	cfg      *cfg.Cfg
	now      func() time.Time
	lookups  singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

// NewPaste wires the manager. lru may be nil to disable read caching.
func NewPaste(store RecordStore, lru *cache.LRU, alloc *ident.Allocator, uploads *upload.Coordinator, c *cfg.Cfg) *Paste {
	if store == nil || alloc == nil || uploads == nil || c == nil {
		panic("paste service: nil dependency (store, allocator, uploads, or cfg)")
	}
	return &Paste{
		store:   store,
		lru:     lru,
		alloc:   alloc,
		uploads: uploads,
		cfg:     c,
		now:     time.Now,
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// Ping reports whether the record store is reachable.
func (p *Paste) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

// Validate checks a create request and reports every violated field.
func (p *Paste) Validate(params domain.CreateParams) error {
	ve := &domain.ValidationError{}
	n := utf8.RuneCountInString(params.Content)
	if n < p.cfg.MinContentLen {
		ve.Add("content", fmt.Sprintf("must be at least %d characters", p.cfg.MinContentLen))
	}
	if n > domain.MaxContentLength {
		ve.Add("content", fmt.Sprintf("must be at most %d characters", domain.MaxContentLength))
	}
	if params.TTLSeconds != nil && *params.TTLSeconds < 0 {
		ve.Add("ttlSeconds", "must be zero or positive")
	}
	if p.cfg.MaxFilesPerPost > 0 && len(params.Files) > p.cfg.MaxFilesPerPost {
		ve.Add("files", fmt.Sprintf("at most %d files per paste", p.cfg.MaxFilesPerPost))
	}
	seen := make(map[string]int, len(params.Files))
	for i, f := range params.Files {
		if f.ClientID == "" {
			ve.Add(fmt.Sprintf("files[%d].clientId", i), "must not be empty")
		} else {
			// Compare key segments: ids that differ only in stripped characters
			// share an object key. Distinct segments always give distinct keys.
			seg := upload.ClientSegment(f.ClientID)
			if j, dup := seen[seg]; dup {
				ve.Add(fmt.Sprintf("files[%d].clientId", i), fmt.Sprintf("duplicates files[%d].clientId", j))
			} else {
				seen[seg] = i
			}
		}
		if f.OriginalName == "" {
			ve.Add(fmt.Sprintf("files[%d].originalName", i), "must not be empty")
		}
	}
	return ve.OrNil()
}

// Create validates params, allocates an id, issues upload grants and
// persists the record. Nothing is written when any step fails.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.CreateResult, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrServiceShutdown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	if err := p.Validate(params); err != nil {
		metrics.ValidationFailures.Inc()
		return nil, err
	}
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		id, err := p.alloc.Allocate(ctx, p.cfg.IDStartLength)
		if err != nil {
			return nil, allocError(err)
		}
		grants, err := p.uploads.Prepare(ctx, id, params.Files)
		if err != nil {
			return nil, err
		}
		now := p.now()
		rec := &domain.PasteRecord{
			ID:          id,
			Content:     params.Content,
			CreatedAt:   now.Unix(),
			Attachments: upload.Attachments(grants),
		}
		if params.TTLSeconds != nil {
			exp := domain.ExpiresAfter(now, *params.TTLSeconds)
			rec.ExpiresAt = &exp
		}
		err = p.store.PutIfAbsent(ctx, rec)
		if errors.Is(err, domain.ErrKeyExists) {
			metrics.IDCollisions.Inc()
			util.Warn().Str("id", id).Int("attempt", attempt).Msg("id taken at write time, reallocating")
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(domain.ErrStoreUnavailable, "persist paste: %v", err)
		}
		if p.lru != nil && !rec.Expired(now) {
			p.lru.Set(ctx, rec)
		}
		metrics.PasteCreated.Inc()
		util.Debug().Str("id", id).Int("files", len(grants)).Msg("paste created")
		return &domain.CreateResult{
			ID:           id,
			UploadGrants: grants,
			ExpiresAt:    rec.ExpiresAt,
		}, nil
	}
	return nil, errors.Wrapf(domain.ErrAllocationExhausted, "id taken on %d consecutive writes", maxWriteAttempts)
}

func allocError(err error) error {
	if errors.Is(err, domain.ErrAllocationExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Wrapf(domain.ErrStoreUnavailable, "allocate id: %v", err)
}

// Get returns the record for id. Absent and expired records are both
// domain.ErrPasteNotFound. Get never writes to the store.
func (p *Paste) Get(ctx context.Context, id string) (*domain.PasteRecord, error) {
	if p.lru != nil {
		if rec := p.lru.Get(ctx, id); rec != nil {
			metrics.CacheHits.Inc()
			return p.checkLive(rec)
		}
		metrics.CacheMisses.Inc()
	}
	v, err := p.lookup(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.WithLabelValues("absent").Inc()
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrapf(domain.ErrStoreUnavailable, "get paste: %v", err)
	}
	live, err := p.checkLive(v)
	if err != nil {
		return nil, err
	}
	if p.lru != nil {
		p.lru.Set(ctx, live)
	}
	return live, nil
}

// lookup coalesces concurrent store reads of one id. The shared read is
// detached from the caller so one cancelled request does not fail the others.
func (p *Paste) lookup(ctx context.Context, id string) (*domain.PasteRecord, error) {
	ch := p.lookups.DoChan(id, func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.readTimeout())
		defer cancel()
		return p.store.Get(readCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.PasteRecord), nil
	}
}

func (p *Paste) readTimeout() time.Duration {
	if p.cfg.DBQueryTimeout > 0 {
		return p.cfg.DBQueryTimeout
	}
	return 5 * time.Second
}

func (p *Paste) checkLive(rec *domain.PasteRecord) (*domain.PasteRecord, error) {
	if rec.Expired(p.now()) {
		if p.lru != nil {
			p.lru.Delete(rec.ID)
		}
		metrics.PasteNotFound.WithLabelValues("expired").Inc()
		return nil, domain.ErrPasteNotFound
	}
	metrics.PasteRetrieved.Inc()
	return rec, nil
}
