// Package memory provides a process-local usage store for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/davidbz/quillgate/internal/domain"
)

// Store keeps usage records in a slice guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	records []*domain.UsageRecord
	ids     map[string]struct{}
	closed  bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Insert appends a copy of the record. A record id seen before is ignored.
func (s *Store) Insert(_ context.Context, rec *domain.UsageRecord) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store closed")
	}

	if rec.ID != "" {
		if _, seen := s.ids[rec.ID]; seen {
			return nil
		}
		s.ids[rec.ID] = struct{}{}
	}

	stored := *rec
	s.records = append(s.records, &stored)
	return nil
}

// SumCost totals the cost of a workspace's records created at or after since.
func (s *Store) SumCost(_ context.Context, workspaceID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, rec := range s.records {
		if rec.Tenant.WorkspaceID == workspaceID && !rec.CreatedAt.Before(since) {
			total += rec.Cost
		}
	}
	return domain.RoundCost(total), nil
}

// Query returns matching records, oldest first. Empty filter fields match all.
func (s *Store) Query(_ context.Context, filter domain.UsageFilter) ([]*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.UsageRecord, 0)
	for _, rec := range s.records {
		if !matches(rec, filter) {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Close marks the store closed; later inserts fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func matches(rec *domain.UsageRecord, filter domain.UsageFilter) bool {
	if filter.WorkspaceID != "" && rec.Tenant.WorkspaceID != filter.WorkspaceID {
		return false
	}
	if filter.UserID != "" && rec.Tenant.UserID != filter.UserID {
		return false
	}
	if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && rec.CreatedAt.After(filter.Until) {
		return false
	}
	return true
}
