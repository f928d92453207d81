package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/tidyimg/internal/domain"
)

type MemoryExportStore struct {
	mu      sync.RWMutex
	exports map[string]domain.ExportRecord
}

func NewMemoryExportStore() *MemoryExportStore {
	return &MemoryExportStore{
		exports: make(map[string]domain.ExportRecord),
	}
}

func (s *MemoryExportStore) Create(_ context.Context, rec domain.ExportRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[rec.ID] = rec
	return nil
}

func (s *MemoryExportStore) Get(_ context.Context, id string) (domain.ExportRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.exports[id]
	return rec, ok, nil
}

func (s *MemoryExportStore) UpdateStatus(_ context.Context, id, status string) (domain.ExportRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.exports[id]
	if !ok {
		return domain.ExportRecord{}, ErrExportNotFound
	}

	rec.Status = status
	s.exports[id] = rec
	return rec, nil
}

// Finish stores the final state of an export, creating it if the queued
// record was never written.
func (s *MemoryExportStore) Finish(_ context.Context, rec domain.ExportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.exports[rec.ID]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.exports[rec.ID] = rec
	return nil
}

func (s *MemoryExportStore) ListBySession(_ context.Context, sessionID string) ([]domain.ExportRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ExportRecord, 0)
	for _, rec := range s.exports {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.ExportRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
