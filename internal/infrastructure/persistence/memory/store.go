// Package memory provides a goroutine-safe WorkflowStore backed by maps.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// Store keeps workflows and their history in process memory. Records are
// copied on the way in and out so callers never share state with the store.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*entity.WorkflowRecord
	// active invoice id -> workflow id
	active  map[string]string
	history map[string][]*entity.TransitionEntry
}

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{
		workflows: make(map[string]*entity.WorkflowRecord),
		active:    make(map[string]string),
		history:   make(map[string][]*entity.TransitionEntry),
	}
}

var _ port.WorkflowStore = (*Store)(nil)

func (s *Store) Create(ctx context.Context, rec *entity.WorkflowRecord, entry *entity.TransitionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[rec.ID]; exists {
		return fmt.Errorf("workflow %s already exists", rec.ID)
	}
	if rec.IsActive() {
		if id, ok := s.active[rec.InvoiceID]; ok {
			return fmt.Errorf("invoice %s (workflow %s): %w", rec.InvoiceID, id, domainwf.ErrDuplicateActiveWorkflow)
		}
		s.active[rec.InvoiceID] = rec.ID
	}

	s.workflows[rec.ID] = rec.Clone()
	s.appendHistory(entry)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*entity.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.workflows[id]
	if !ok {
		return nil, domainwf.ErrWorkflowNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) FindActiveByInvoice(ctx context.Context, invoiceID string) (*entity.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[invoiceID]
	if !ok {
		return nil, domainwf.ErrWorkflowNotFound
	}
	return s.workflows[id].Clone(), nil
}

func (s *Store) Update(ctx context.Context, rec *entity.WorkflowRecord, expectedVersion int64, entry *entity.TransitionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.workflows[rec.ID]
	if !ok {
		return domainwf.ErrWorkflowNotFound
	}
	if current.Version != expectedVersion {
		return port.ErrVersionConflict
	}

	if !rec.IsActive() && s.active[rec.InvoiceID] == rec.ID {
		delete(s.active, rec.InvoiceID)
	}
	s.workflows[rec.ID] = rec.Clone()
	s.appendHistory(entry)
	return nil
}

func (s *Store) List(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entity.WorkflowRecord, 0)
	for _, rec := range s.workflows {
		if filter.Matches(rec) {
			result = append(result, rec.Clone())
		}
	}
	entity.SortByArrival(result)
	return filter.Page(result), nil
}

func (s *Store) ListByDoctor(ctx context.Context, doctorID string, statuses []domainwf.State) ([]*entity.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entity.WorkflowRecord, 0)
	for _, rec := range s.workflows {
		if rec.DoctorID == doctorID && containsState(statuses, rec.Status) {
			result = append(result, rec.Clone())
		}
	}
	entity.SortByArrival(result)
	return result, nil
}

func (s *Store) CountByDoctor(ctx context.Context, statuses []domainwf.State) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range s.workflows {
		if rec.DoctorID != "" && containsState(statuses, rec.Status) {
			counts[rec.DoctorID]++
		}
	}
	return counts, nil
}

func (s *Store) History(ctx context.Context, workflowID string) ([]*entity.TransitionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return nil, domainwf.ErrWorkflowNotFound
	}
	entries := s.history[workflowID]
	out := make([]*entity.TransitionEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

// appendHistory must be called with s.mu held
func (s *Store) appendHistory(entry *entity.TransitionEntry) {
	if entry == nil {
		return
	}
	c := *entry
	s.history[entry.WorkflowID] = append(s.history[entry.WorkflowID], &c)
}

func containsState(states []domainwf.State, s domainwf.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
