package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linkmeAman/universal-middleware/internal/database"
)

// InMemoryStore is a test double grounded on
// internal/command/outbox/mem_repo.go InMemoryRepository.
type InMemoryStore struct {
	mu sync.Mutex
	rows map[int64]*Row
	nextID int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: map[int64]*Row{}}
}

func (s *InMemoryStore) Insert(_ context.Context, _ database.Tx, row *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row.ID = s.nextID
	row.Status = StatusNew
	row.CreatedAt = time.Now().UTC()
	cp := *row
	s.rows[row.ID] = &cp
	return nil
}

func (s *InMemoryStore) Claim(_ context.Context, max int, claimerID string) ([]*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*Row
	for _, r := range s.rows {
		if r.Status != StatusNew {
			continue
		}
		if r.NextAt != nil && r.NextAt.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	// FIFO within each category: COALESCE(next_at, epoch), created_at
	// ascending, the same ordering the Postgres store's Claim applies.
	sort.Slice(candidates, func(i, j int) bool {
		ni, nj := orderKey(candidates[i]), orderKey(candidates[j])
		if !ni.Equal(nj) {
			return ni.Before(nj)
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	var out []*Row
	for _, r := range candidates {
		if len(out) >= max {
			break
		}
		r.Status = StatusClaimed
		r.ClaimedAt = &now
		r.ClaimedBy = &claimerID
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// ClaimOne mirrors PostgresStore.ClaimOne: claim row id if and only if it
// is still NEW and due, else report it as unclaimable rather than erroring.
func (s *InMemoryStore) ClaimOne(_ context.Context, id int64, claimerID string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok || r.Status != StatusNew {
		return nil, nil
	}
	now := time.Now().UTC()
	if r.NextAt != nil && r.NextAt.After(now) {
		return nil, nil
	}
	r.Status = StatusClaimed
	r.ClaimedAt = &now
	r.ClaimedBy = &claimerID
	cp := *r
	return &cp, nil
}

func orderKey(r *Row) time.Time {
	if r.NextAt != nil {
		return *r.NextAt
	}
	return time.Unix(0, 0).UTC()
}

func (s *InMemoryStore) MarkPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil
	}
	r.Status = StatusPublished
	return nil
}

func (s *InMemoryStore) Reschedule(_ context.Context, id int64, backoff time.Duration, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil
	}
	next := time.Now().UTC().Add(backoff)
	r.Status = StatusNew
	r.Attempts++
	r.NextAt = &next
	r.LastError = &cause
	r.ClaimedAt = nil
	r.ClaimedBy = nil
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil
	}
	r.Status = StatusFailed
	r.LastError = &cause
	return nil
}

func (s *InMemoryStore) RecoverStuck(_ context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.Status == StatusClaimed && r.ClaimedAt != nil && r.ClaimedAt.Before(claimedBefore) {
			r.Status = StatusNew
			r.ClaimedAt = nil
			r.ClaimedBy = nil
			n++
		}
	}
	return n, nil
}
