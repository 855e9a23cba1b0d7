// Package lim throttles clients per IP with token buckets and, when a
// shared counter is configured, caps global throughput across replicas.
package lim

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"quickpaste/metrics"
	"quickpaste/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveWindow  = 60 * time.Second
	counterTimeout  = 100 * time.Millisecond
)

// GlobalCounter increments a windowed counter and returns its value.
// *db.Redis implements it with a Lua script.
type GlobalCounter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Options struct {
	GlobalRPM  int
	PerIPRPM   int
	PerIPBurst int
	Proxies    Proxies
}

type Limiter struct {
	counter           GlobalCounter
	opts              Options
	detector          *AnomalyDetector
	adaptiveModeUntil atomic.Int64
	mu                sync.Mutex
	local             map[string]*limiterEntry
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New starts a limiter. counter may be nil, in which case only the
// per-IP buckets apply.
func New(opts Options, counter GlobalCounter) *Limiter {
	if opts.PerIPRPM <= 0 {
		opts.PerIPRPM = 60
	}
	if opts.PerIPBurst <= 0 {
		opts.PerIPBurst = opts.PerIPRPM
	}
	l := &Limiter{
		counter:     counter,
		opts:        opts,
		local:       make(map[string]*limiterEntry),
		quit:        make(chan struct{}),
		evictionSem: make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.local, key)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
	return evicted
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}
func (l *Limiter) Proxies() Proxies {
	return l.opts.Proxies
}

// TriggerAdaptiveMode halves every limit for the next minute.
func (l *Limiter) TriggerAdaptiveMode() {
	l.adaptiveModeUntil.Store(time.Now().Add(adaptiveWindow).Unix())
}
func (l *Limiter) adaptive() bool {
	return time.Now().Unix() < l.adaptiveModeUntil.Load()
}
func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}
func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

// Check applies the per-IP bucket for endpoint, then the global counter.
// A counter failure falls back to the per-IP decision alone.
func (l *Limiter) Check(r *http.Request, endpoint string) *Result {
	ip := l.opts.Proxies.ClientIP(r)
	res := l.checkLocal(ip, endpoint)
	if !res.Allowed || l.counter == nil || l.opts.GlobalRPM <= 0 {
		if !res.Allowed {
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		}
		return res
	}
	limit := l.scaled(l.opts.GlobalRPM)
	ctx, cancel := context.WithTimeout(r.Context(), counterTimeout)
	defer cancel()
	usage, err := l.counter.RateLimit(ctx, "ratelimit:global:"+endpoint, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("global rate counter unavailable, using per-IP limit only")
		return res
	}
	if usage > limit {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: limit, Remaining: 0, Reset: time.Now().Add(time.Minute)}
	}
	return res
}
func (l *Limiter) scaled(limit int) int {
	if l.adaptive() {
		limit /= 2
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
func (l *Limiter) checkLocal(ip, endpoint string) *Result {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) >= (maxLimiters*9)/10 {
		l.scheduleEviction(len(l.local) / 10)
	}
	limit := l.scaled(l.opts.PerIPRPM)
	key := ip + ":" + endpoint
	entry, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLimiters {
			util.Warn().
				Int("limiters", len(l.local)).
				Str("ip", util.RedactIP(ip)).
				Msg("rate limiter at capacity, rejecting request")
			return &Result{Allowed: false, Limit: limit, Remaining: 0, Reset: now.Add(time.Minute)}
		}
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.opts.PerIPRPM)/60.0), l.opts.PerIPBurst),
		}
		l.local[key] = entry
	}
	entry.lastAccess = now
	entry.limiter.SetLimitAt(now, rate.Limit(float64(limit)/60.0))
	if !entry.limiter.AllowN(now, 1) {
		return &Result{Allowed: false, Limit: limit, Remaining: 0, Reset: now.Add(time.Minute)}
	}
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: now.Add(time.Minute)}
}

// scheduleEviction must be called with l.mu held.
func (l *Limiter) scheduleEviction(count int) {
	if count <= 0 {
		return
	}
	select {
	case l.evictionSem <- struct{}{}:
		go func() {
			defer func() { <-l.evictionSem }()
			l.evictOldest(count)
		}()
	default:
	}
}
func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) < (maxLimiters*8)/10 {
		return
	}
	entries := make([]kv, 0, len(l.local))
	for k, v := range l.local {
		entries = append(entries, kv{k, v.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.local, entries[i].key)
	}
	util.Debug().Int("evicted", count).Msg("limiter eviction completed")
}
