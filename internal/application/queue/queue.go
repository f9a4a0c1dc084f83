// Package queue derives per-doctor consultation queues from workflow state.
package queue

import (
	"context"
	"fmt"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// Statuses are the workflow states that place an encounter in a doctor's queue
var Statuses = []domainwf.State{domainwf.StateConsultationReady, domainwf.StateInProgress}

// Queue is a read-only projection over the workflow store. Every call reads
// the latest committed state; nothing is cached between calls.
type Queue struct {
	store port.WorkflowStore
}

// New creates a Queue backed by store
func New(store port.WorkflowStore) *Queue {
	return &Queue{store: store}
}

// For returns the doctor's queued encounters, earliest arrival first
func (q *Queue) For(ctx context.Context, doctorID string) ([]*entity.WorkflowRecord, error) {
	records, err := q.store.ListByDoctor(ctx, doctorID, Statuses)
	if err != nil {
		return nil, fmt.Errorf("list queue for %s: %w", doctorID, err)
	}
	return Project(records, doctorID), nil
}

// Lengths returns the number of queued encounters per doctor
func (q *Queue) Lengths(ctx context.Context) (map[string]int, error) {
	counts, err := q.store.CountByDoctor(ctx, Statuses)
	if err != nil {
		return nil, fmt.Errorf("count queues: %w", err)
	}
	return counts, nil
}

// Project filters records down to the doctor's queue and orders it by
// CreatedAt, then ID. The input slice is not modified.
func Project(records []*entity.WorkflowRecord, doctorID string) []*entity.WorkflowRecord {
	out := make([]*entity.WorkflowRecord, 0, len(records))
	for _, r := range records {
		if r.DoctorID == doctorID && r.Status.IsQueued() {
			out = append(out, r)
		}
	}
	entity.SortByArrival(out)
	return out
}
