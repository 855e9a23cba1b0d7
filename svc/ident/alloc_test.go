package ident

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"quickpaste/pkg/domain"
)

type seededStore struct {
	mu    sync.Mutex
	ids   map[string]bool
	calls int
	err   error
}

func (s *seededStore) exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.ids[id], nil
}

// scripted returns ids from a fixed list, then falls back to a counter-based id of the requested size.
func scripted(ids ...string) func(int) (string, error) {
	i := 0
	return func(size int) (string, error) {
		if i < len(ids) {
			id := ids[i]
			i++
			return id, nil
		}
		i++
		return strings.Repeat("z", size), nil
	}
}

func TestAllocateReturnsFreeID(t *testing.T) {
	store := &seededStore{ids: map[string]bool{"abc": true}}
	a := New(store.exists, 3, 0)
	a.generate = scripted("abc", "abd")

	id, err := a.Allocate(context.Background(), 3)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if id != "abd" {
		t.Errorf("id = %q, want abd", id)
	}
	if store.ids[id] {
		t.Errorf("allocator returned an id present in the store")
	}
	if store.calls != 2 {
		t.Errorf("exists calls = %d, want 2", store.calls)
	}
}

func TestAllocateEscalatesAfterRetryBudget(t *testing.T) {
	store := &seededStore{ids: map[string]bool{"aaa": true, "aab": true, "aac": true}}
	a := New(store.exists, 3, 0)
	a.generate = scripted("aaa", "aab", "aac")

	id, err := a.Allocate(context.Background(), 3)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if len(id) != 4 {
		t.Errorf("len(id) = %d, want 4 after %d collisions", len(id), AttemptsPerLen)
	}
	if a.Hint() != 4 {
		t.Errorf("hint = %d, want 4", a.Hint())
	}
	if store.calls != AttemptsPerLen+1 {
		t.Errorf("exists calls = %d, want %d", store.calls, AttemptsPerLen+1)
	}
}

func TestAllocateStartsAtHint(t *testing.T) {
	store := &seededStore{ids: map[string]bool{}}
	a := New(store.exists, 3, 0)
	a.hint.Store(5)
	a.generate = func(size int) (string, error) { return strings.Repeat("q", size), nil }

	id, err := a.Allocate(context.Background(), 3)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if len(id) != 5 {
		t.Errorf("len(id) = %d, want 5 (hint)", len(id))
	}
}

func TestAllocateStoreErrorIsNotRetried(t *testing.T) {
	boom := errors.New("store down")
	store := &seededStore{err: boom}
	a := New(store.exists, 3, 0)

	_, err := a.Allocate(context.Background(), 3)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want store error", err)
	}
	if store.calls != 1 {
		t.Errorf("exists calls = %d, want 1", store.calls)
	}
}

func TestAllocateExhausted(t *testing.T) {
	calls := 0
	a := New(func(ctx context.Context, id string) (bool, error) {
		calls++
		return true, nil
	}, 3, 5)

	_, err := a.Allocate(context.Background(), 3)
	if !errors.Is(err, domain.ErrAllocationExhausted) {
		t.Fatalf("err = %v, want ErrAllocationExhausted", err)
	}
	if want := AttemptsPerLen * 3; calls != want {
		t.Errorf("exists calls = %d, want %d", calls, want)
	}
	if a.Hint() != 3 {
		t.Errorf("hint changed on failure: %d", a.Hint())
	}
}

func TestAllocateHonoursContext(t *testing.T) {
	a := New(func(ctx context.Context, id string) (bool, error) { return false, nil }, 3, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Allocate(ctx, 3); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestGeneratedIDsUseAlphabet(t *testing.T) {
	a := New(func(ctx context.Context, id string) (bool, error) { return false, nil }, 3, 0)
	for i := 0; i < 200; i++ {
		id, err := a.Allocate(context.Background(), 3)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if len(id) != 3 {
			t.Fatalf("len(id) = %d, want 3", len(id))
		}
		for _, r := range id {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("id %q contains %q outside the alphabet", id, r)
			}
		}
	}
}

func TestCeilingDefaults(t *testing.T) {
	a := New(nil, 3, 0)
	if a.maxLen != 12 {
		t.Errorf("maxLen = %d, want 12", a.maxLen)
	}
	b := New(nil, 1, 0)
	if b.maxLen != minCeilingLength {
		t.Errorf("maxLen = %d, want %d", b.maxLen, minCeilingLength)
	}
}
