// Package ident allocates short paste identifiers that are free in the
// record store at the time of allocation.
package ident

import (
	"context"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"

	"quickpaste/metrics"
	"quickpaste/pkg/domain"
	"quickpaste/svc/util"
)

const (
	Alphabet         = "abcdefghijklmnopqrstuvwxyz0123456789"
	AttemptsPerLen   = 3
	DefaultStartLen  = 3
	ceilingMultiple  = 4
	minCeilingLength = 8
)

// ExistsFunc reports whether id is already taken in the record store.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// Allocator draws random ids and probes the store until it finds a free one.
//
// The length hint is process-wide and advisory: it lets later calls skip
// lengths that recently collided. Uniqueness comes only from the store's
// conditional write, never from the hint.
type Allocator struct {
	exists   ExistsFunc
	generate func(size int) (string, error)
	maxLen   int
	hint     atomic.Int32
}

// New returns an Allocator. maxLen <= 0 derives a ceiling from startLen.
func New(exists ExistsFunc, startLen, maxLen int) *Allocator {
	if startLen <= 0 {
		startLen = DefaultStartLen
	}
	if maxLen <= 0 {
		maxLen = startLen * ceilingMultiple
		if maxLen < minCeilingLength {
			maxLen = minCeilingLength
		}
	}
	a := &Allocator{
		exists: exists,
		generate: func(size int) (string, error) {
			return gonanoid.Generate(Alphabet, size)
		},
		maxLen: maxLen,
	}
	a.hint.Store(int32(startLen))
	metrics.IDLengthHint.Set(float64(startLen))
	return a
}

// Hint returns the length the next allocation will start at.
func (a *Allocator) Hint() int {
	return int(a.hint.Load())
}

// Allocate returns an id that was absent from the store when probed.
// It starts at the larger of preferredLen and the hint, tries
// AttemptsPerLen times per length and grows the length by one after
// each exhausted budget. Store errors end the loop immediately.
func (a *Allocator) Allocate(ctx context.Context, preferredLen int) (string, error) {
	length := preferredLen
	if h := a.Hint(); h > length {
		length = h
	}
	if length <= 0 {
		length = DefaultStartLen
	}
	for ; length <= a.maxLen; length++ {
		for attempt := 0; attempt < AttemptsPerLen; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			id, err := a.generate(length)
			if err != nil {
				return "", errors.Wrap(err, "generate id")
			}
			taken, err := a.exists(ctx, id)
			if err != nil {
				return "", errors.Wrap(err, "check id")
			}
			if !taken {
				a.hint.Store(int32(length))
				metrics.IDLengthHint.Set(float64(length))
				return id, nil
			}
			metrics.IDCollisions.Inc()
			util.Debug().Int("length", length).Int("attempt", attempt+1).Msg("id collision")
		}
		metrics.IDEscalations.Inc()
		util.Info().Int("from", length).Int("to", length+1).Msg("escalating id length")
	}
	return "", errors.Wrapf(domain.ErrAllocationExhausted, "no free id up to length %d", a.maxLen)
}
