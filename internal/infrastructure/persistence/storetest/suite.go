// Package storetest is a behavioural contract every port.WorkflowStore must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// Suite runs the store contract. Backends embed nothing; they set NewStore
// and hand the suite to suite.Run.
//
// Stores may be shared between tests, so every test works on fresh ids.
type Suite struct {
	suite.Suite

	// NewStore returns the store under test. Called before each test.
	NewStore func() port.WorkflowStore

	store port.WorkflowStore
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore()
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func (s *Suite) newRecord(offset time.Duration) *entity.WorkflowRecord {
	return &entity.WorkflowRecord{
		ID:               uuid.NewString(),
		PatientID:        "patient-" + uuid.NewString(),
		InvoiceID:        "invoice-" + uuid.NewString(),
		ConsultationType: entity.ConsultationGeneral,
		Status:           domainwf.StatePaymentCompleted,
		CreatedBy:        "front-desk",
		CreatedAt:        base.Add(offset),
		UpdatedAt:        base.Add(offset),
		Version:          1,
	}
}

func entryFor(rec *entity.WorkflowRecord, from domainwf.State, trigger domainwf.Trigger) *entity.TransitionEntry {
	return &entity.TransitionEntry{
		WorkflowID:   rec.ID,
		FromStatus:   from,
		ToStatus:     rec.Status,
		Trigger:      trigger,
		ActorID:      "tester",
		DoctorID:     rec.DoctorID,
		VitalSignsID: rec.VitalSignsID,
		Version:      rec.Version,
		Timestamp:    rec.UpdatedAt,
	}
}

func (s *Suite) create(rec *entity.WorkflowRecord) {
	err := s.store.Create(s.ctx, rec, entryFor(rec, domainwf.StateNone, domainwf.TriggerPaymentCompleted))
	s.Require().NoError(err)
}

// advance applies mutate to a copy of rec and commits it against rec.Version
func (s *Suite) advance(rec *entity.WorkflowRecord, trigger domainwf.Trigger, mutate func(*entity.WorkflowRecord)) *entity.WorkflowRecord {
	next := rec.Clone()
	mutate(next)
	next.Version = rec.Version + 1
	next.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	err := s.store.Update(s.ctx, next, rec.Version, entryFor(next, rec.Status, trigger))
	s.Require().NoError(err)
	return next
}

func (s *Suite) assertSame(want, got *entity.WorkflowRecord) {
	s.Equal(want.ID, got.ID)
	s.Equal(want.PatientID, got.PatientID)
	s.Equal(want.InvoiceID, got.InvoiceID)
	s.Equal(want.VitalSignsID, got.VitalSignsID)
	s.Equal(want.DoctorID, got.DoctorID)
	s.Equal(want.ConsultationType, got.ConsultationType)
	s.Equal(want.Status, got.Status)
	s.Equal(want.CreatedBy, got.CreatedBy)
	s.Equal(want.Version, got.Version)
	s.True(want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
	s.True(want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", want.UpdatedAt, got.UpdatedAt)
}

func (s *Suite) TestCreateAndGet() {
	rec := s.newRecord(0)
	s.create(rec)

	got, err := s.store.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.assertSame(rec, got)

	byInvoice, err := s.store.FindActiveByInvoice(s.ctx, rec.InvoiceID)
	s.Require().NoError(err)
	s.Equal(rec.ID, byInvoice.ID)
}

func (s *Suite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, uuid.NewString())
	s.ErrorIs(err, domainwf.ErrWorkflowNotFound)

	_, err = s.store.FindActiveByInvoice(s.ctx, "invoice-"+uuid.NewString())
	s.ErrorIs(err, domainwf.ErrWorkflowNotFound)
}

func (s *Suite) TestReturnedRecordIsDetached() {
	rec := s.newRecord(0)
	s.create(rec)

	got, err := s.store.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	got.Status = domainwf.StateCompleted

	again, err := s.store.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(domainwf.StatePaymentCompleted, again.Status)
}

func (s *Suite) TestCreateRejectsSecondActiveForInvoice() {
	first := s.newRecord(0)
	s.create(first)

	second := s.newRecord(time.Second)
	second.InvoiceID = first.InvoiceID
	err := s.store.Create(s.ctx, second, entryFor(second, domainwf.StateNone, domainwf.TriggerPaymentCompleted))
	s.ErrorIs(err, domainwf.ErrDuplicateActiveWorkflow)

	_, err = s.store.Get(s.ctx, second.ID)
	s.ErrorIs(err, domainwf.ErrWorkflowNotFound)

	history, err := s.store.History(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *Suite) TestCreateAllowedAfterCompletion() {
	first := s.newRecord(0)
	s.create(first)
	s.advance(first, domainwf.TriggerConsultationCompleted, func(r *entity.WorkflowRecord) {
		r.Status = domainwf.StateCompleted
	})

	_, err := s.store.FindActiveByInvoice(s.ctx, first.InvoiceID)
	s.ErrorIs(err, domainwf.ErrWorkflowNotFound)

	second := s.newRecord(time.Hour)
	second.InvoiceID = first.InvoiceID
	s.create(second)

	active, err := s.store.FindActiveByInvoice(s.ctx, first.InvoiceID)
	s.Require().NoError(err)
	s.Equal(second.ID, active.ID)
}

func (s *Suite) TestUpdateCompareAndSwap() {
	rec := s.newRecord(0)
	s.create(rec)

	updated := s.advance(rec, domainwf.TriggerVitalsRecorded, func(r *entity.WorkflowRecord) {
		r.VitalSignsID = "vs-1"
		r.Status = domainwf.StateDoctorAssignment
	})

	got, err := s.store.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.assertSame(updated, got)

	// stale write against version 1
	stale := rec.Clone()
	stale.DoctorID = "d-stale"
	stale.Version = 2
	err = s.store.Update(s.ctx, stale, 1, entryFor(stale, rec.Status, domainwf.TriggerDoctorAssigned))
	s.ErrorIs(err, port.ErrVersionConflict)

	got, err = s.store.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.assertSame(updated, got)

	history, err := s.store.History(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Len(history, 2)
}

func (s *Suite) TestUpdateMissing() {
	rec := s.newRecord(0)
	rec.Version = 2
	err := s.store.Update(s.ctx, rec, 1, entryFor(rec, domainwf.StatePaymentCompleted, domainwf.TriggerVitalsRequested))
	s.ErrorIs(err, domainwf.ErrWorkflowNotFound)
}

func (s *Suite) TestConcurrentUpdatesOneWins() {
	rec := s.newRecord(0)
	s.create(rec)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := rec.Clone()
			next.DoctorID = uuid.NewString()
			next.Status = domainwf.StateDoctorAssignment
			next.Version = rec.Version + 1
			err := s.store.Update(s.ctx, next, rec.Version, entryFor(next, rec.Status, domainwf.TriggerDoctorAssigned))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, port.ErrVersionConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	s.Equal(1, wins)
	s.Equal(writers-1, conflicts)

	got, err := s.store.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), got.Version)

	history, err := s.store.History(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(got.DoctorID, history[1].DoctorID)
}

func (s *Suite) TestListFilterOrderAndPage() {
	patient := "patient-" + uuid.NewString()
	var ids []string
	// created out of arrival order
	for _, offset := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
		rec := s.newRecord(offset)
		rec.PatientID = patient
		s.create(rec)
		ids = append(ids, rec.ID)
	}
	want := []string{ids[1], ids[2], ids[0]}

	got, err := s.store.List(s.ctx, entity.WorkflowFilter{PatientID: patient})
	s.Require().NoError(err)
	s.Equal(want, recordIDs(got))

	got, err = s.store.List(s.ctx, entity.WorkflowFilter{PatientID: patient, Offset: 1, Limit: 1})
	s.Require().NoError(err)
	s.Equal(want[1:2], recordIDs(got))

	got, err = s.store.List(s.ctx, entity.WorkflowFilter{PatientID: patient, Status: domainwf.StateCompleted})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *Suite) TestListByDoctorAndCounts() {
	doctor := "doctor-" + uuid.NewString()
	other := "doctor-" + uuid.NewString()

	ready := s.newRecord(2 * time.Minute)
	ready.DoctorID = doctor
	ready.VitalSignsID = "vs"
	ready.Status = domainwf.StateConsultationReady
	s.create(ready)

	inProgress := s.newRecord(time.Minute)
	inProgress.DoctorID = doctor
	inProgress.VitalSignsID = "vs"
	inProgress.Status = domainwf.StateInProgress
	s.create(inProgress)

	waiting := s.newRecord(0)
	waiting.DoctorID = doctor
	waiting.Status = domainwf.StateDoctorAssignment
	s.create(waiting)

	elsewhere := s.newRecord(0)
	elsewhere.DoctorID = other
	elsewhere.VitalSignsID = "vs"
	elsewhere.Status = domainwf.StateConsultationReady
	s.create(elsewhere)

	queued := []domainwf.State{domainwf.StateConsultationReady, domainwf.StateInProgress}
	got, err := s.store.ListByDoctor(s.ctx, doctor, queued)
	s.Require().NoError(err)
	s.Equal([]string{inProgress.ID, ready.ID}, recordIDs(got))

	counts, err := s.store.CountByDoctor(s.ctx, queued)
	s.Require().NoError(err)
	s.Equal(2, counts[doctor])
	s.Equal(1, counts[other])
}

func (s *Suite) TestHistoryOrder() {
	rec := s.newRecord(0)
	s.create(rec)
	rec = s.advance(rec, domainwf.TriggerVitalsRequested, func(r *entity.WorkflowRecord) {
		r.Status = domainwf.StateVitalsPending
	})
	s.advance(rec, domainwf.TriggerVitalsRecorded, func(r *entity.WorkflowRecord) {
		r.VitalSignsID = "vs-9"
		r.Status = domainwf.StateDoctorAssignment
	})

	history, err := s.store.History(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 3)

	s.Equal(domainwf.StateNone, history[0].FromStatus)
	s.Equal(domainwf.StatePaymentCompleted, history[0].ToStatus)
	s.Equal(domainwf.TriggerVitalsRequested, history[1].Trigger)
	s.Equal(domainwf.StateVitalsPending, history[1].ToStatus)
	s.Equal("vs-9", history[2].VitalSignsID)
	s.Equal(int64(3), history[2].Version)
	s.Equal("tester", history[2].ActorID)

	_, err = s.store.History(s.ctx, uuid.NewString())
	s.ErrorIs(err, domainwf.ErrWorkflowNotFound)
}

func recordIDs(records []*entity.WorkflowRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
