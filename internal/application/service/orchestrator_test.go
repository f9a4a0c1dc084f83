package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/clinic-workflow/internal/application/dispatcher"
	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	"github.com/garyjia/clinic-workflow/internal/domain/event"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/persistence/memory"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}

type staticRoster struct {
	doctors []entity.Doctor
	err     error
}

func (r *staticRoster) Doctors(ctx context.Context) ([]entity.Doctor, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]entity.Doctor, len(r.doctors))
	copy(out, r.doctors)
	return out, nil
}

func generalDoctor(id string) entity.Doctor {
	return entity.Doctor{ID: id, Specialty: entity.GeneralMedicineSpecialty, IsActive: true}
}

// fixture wires an orchestrator over the in-memory store with a stepping clock
type fixture struct {
	store *memory.Store
	orch  WorkflowOrchestrator
	seq   atomic.Int64
}

func newFixture(t *testing.T, roster []entity.Doctor, opts ...OrchestratorOption) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore()}
	return f.with(roster, f.store, opts...)
}

func (f *fixture) with(roster []entity.Doctor, store port.WorkflowStore, opts ...OrchestratorOption) *fixture {
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	defaults := []OrchestratorOption{
		WithClock(func() time.Time {
			return base.Add(time.Duration(f.seq.Add(1)) * time.Second)
		}),
		WithIDGenerator(func() string {
			return fmt.Sprintf("wf-%03d", f.seq.Add(1))
		}),
	}
	f.orch = NewWorkflowOrchestrator(store, &staticRoster{doctors: roster}, nopLogger{}, append(defaults, opts...)...)
	return f
}

func (f *fixture) create(t *testing.T, invoice string, ct entity.ConsultationType) *entity.WorkflowRecord {
	t.Helper()
	rec, err := f.orch.CreateOnPayment(context.Background(), "patient-"+invoice, invoice, ct, "front-desk")
	require.NoError(t, err)
	return rec
}

func TestOrchestrator_FullEncounter(t *testing.T) {
	ctx := WithActor(context.Background(), "nurse-1")
	f := newFixture(t, []entity.Doctor{generalDoctor("d1")})

	rec := f.create(t, "inv1", entity.ConsultationGeneral)
	assert.Equal(t, domainwf.StatePaymentCompleted, rec.Status)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "front-desk", rec.CreatedBy)

	rec, err := f.orch.RecordVitals(ctx, rec.ID, "vs1")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateDoctorAssignment, rec.Status)
	assert.Equal(t, "vs1", rec.VitalSignsID)

	rec, err = f.orch.AssignDoctor(ctx, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateConsultationReady, rec.Status)
	assert.Equal(t, "d1", rec.DoctorID)

	queue, err := f.orch.GetQueue(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, rec.ID, queue[0].ID)

	rec, err = f.orch.StartConsultation(WithActor(ctx, "d1"), rec.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateInProgress, rec.Status)

	rec, err = f.orch.CompleteConsultation(WithActor(ctx, "d1"), rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateCompleted, rec.Status)
	assert.Equal(t, int64(5), rec.Version)

	queue, err = f.orch.GetQueue(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, queue)

	history, err := f.orch.GetHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)

	wantTriggers := []domainwf.Trigger{
		domainwf.TriggerPaymentCompleted,
		domainwf.TriggerVitalsRecorded,
		domainwf.TriggerDoctorAssigned,
		domainwf.TriggerConsultationStarted,
		domainwf.TriggerConsultationCompleted,
	}
	wantActors := []string{"front-desk", "nurse-1", "nurse-1", "d1", "d1"}
	for i, e := range history {
		assert.Equal(t, wantTriggers[i], e.Trigger, "entry %d", i)
		assert.Equal(t, wantActors[i], e.ActorID, "entry %d", i)
		assert.Equal(t, int64(i+1), e.Version, "entry %d", i)
		if i > 0 {
			assert.Equal(t, history[i-1].ToStatus, e.FromStatus, "entry %d", i)
		}
	}
}

func TestOrchestrator_AssignBeforeVitals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d2")})
	rec := f.create(t, "inv2", entity.ConsultationGeneral)

	rec, err := f.orch.AssignDoctor(ctx, rec.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateDoctorAssignment, rec.Status)
	assert.Equal(t, "d2", rec.DoctorID)

	queue, err := f.orch.GetQueue(ctx, "d2")
	require.NoError(t, err)
	assert.Empty(t, queue, "not ready until vitals are recorded")

	rec, err = f.orch.RecordVitals(ctx, rec.ID, "vs2")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateConsultationReady, rec.Status)
}

func TestOrchestrator_RequestVitals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d1")})
	rec := f.create(t, "inv-rv", entity.ConsultationGeneral)

	rec, err := f.orch.RequestVitals(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateVitalsPending, rec.Status)

	_, err = f.orch.RequestVitals(ctx, rec.ID)
	assert.ErrorIs(t, err, domainwf.ErrInvalidTransition)

	rec, err = f.orch.AssignDoctor(ctx, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateDoctorAssignment, rec.Status)

	rec, err = f.orch.RecordVitals(ctx, rec.ID, "vs")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateConsultationReady, rec.Status)
}

func TestOrchestrator_DuplicatePayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.create(t, "inv3", entity.ConsultationGeneral)

	_, err := f.orch.CreateOnPayment(ctx, "patient-inv3", "inv3", entity.ConsultationGeneral, "")
	assert.ErrorIs(t, err, domainwf.ErrDuplicateActiveWorkflow)

	all, err := f.orch.ListWorkflows(ctx, entity.WorkflowFilter{InvoiceID: "inv3"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestOrchestrator_ConcurrentDuplicatePayment(t *testing.T) {
	f := newFixture(t, nil)

	const callers = 16
	var (
		wg         sync.WaitGroup
		created    atomic.Int32
		duplicates atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.CreateOnPayment(context.Background(), "p", "inv-race", entity.ConsultationGeneral, "billing")
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domainwf.ErrDuplicateActiveWorkflow):
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(callers-1), duplicates.Load())
}

func TestOrchestrator_NewWorkflowAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d1")})
	rec := f.create(t, "inv-again", entity.ConsultationGeneral)

	_, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
	require.NoError(t, err)
	_, err = f.orch.AssignDoctor(ctx, rec.ID, "d1")
	require.NoError(t, err)
	_, err = f.orch.StartConsultation(ctx, rec.ID, "d1")
	require.NoError(t, err)
	_, err = f.orch.CompleteConsultation(ctx, rec.ID, "d1")
	require.NoError(t, err)

	second := f.create(t, "inv-again", entity.ConsultationFollowUp)
	assert.NotEqual(t, rec.ID, second.ID)
}

func TestOrchestrator_SpecialistFallsBackToGeneral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d-gen")})
	rec := f.create(t, "inv4", entity.ConsultationSpecialist)

	rec, err := f.orch.AssignDoctor(ctx, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "d-gen", rec.DoctorID)
}

func TestOrchestrator_AutoAssignBalancesQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d1"), generalDoctor("d2")})

	var doctors []string
	for i := 0; i < 4; i++ {
		rec := f.create(t, fmt.Sprintf("inv-bal-%d", i), entity.ConsultationGeneral)
		_, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
		require.NoError(t, err)
		rec, err = f.orch.AssignDoctor(ctx, rec.ID, "")
		require.NoError(t, err)
		doctors = append(doctors, rec.DoctorID)
	}
	assert.Equal(t, []string{"d1", "d2", "d1", "d2"}, doctors)
}

func TestOrchestrator_DoctorMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d4"), generalDoctor("d9")})
	rec := f.create(t, "inv5", entity.ConsultationGeneral)
	_, err := f.orch.RecordVitals(ctx, rec.ID, "vs5")
	require.NoError(t, err)
	before, err := f.orch.AssignDoctor(ctx, rec.ID, "d4")
	require.NoError(t, err)

	_, err = f.orch.StartConsultation(ctx, rec.ID, "d9")
	assert.ErrorIs(t, err, domainwf.ErrDoctorMismatch)

	after, err := f.orch.GetWorkflow(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = f.orch.StartConsultation(ctx, rec.ID, "d4")
	require.NoError(t, err)

	_, err = f.orch.CompleteConsultation(ctx, rec.ID, "d9")
	assert.ErrorIs(t, err, domainwf.ErrDoctorMismatch)
}

func TestOrchestrator_RecordVitalsTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	rec := f.create(t, "inv6", entity.ConsultationGeneral)

	first, err := f.orch.RecordVitals(ctx, rec.ID, "vs-a")
	require.NoError(t, err)

	for _, vs := range []string{"vs-a", "vs-b"} {
		_, err := f.orch.RecordVitals(ctx, rec.ID, vs)
		assert.ErrorIs(t, err, domainwf.ErrAlreadyRecorded)
	}

	after, err := f.orch.GetWorkflow(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, first, after)
}

func TestOrchestrator_NoEligibleDoctor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{{ID: "d1", IsActive: false}})
	rec := f.create(t, "inv7", entity.ConsultationGeneral)

	_, err := f.orch.AssignDoctor(ctx, rec.ID, "")
	assert.ErrorIs(t, err, domainwf.ErrNoEligibleDoctor)

	_, err = f.orch.AssignDoctor(ctx, rec.ID, "d1")
	assert.ErrorIs(t, err, domainwf.ErrDoctorInactive)

	after, err := f.orch.GetWorkflow(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, after)
}

func TestOrchestrator_RosterFailure(t *testing.T) {
	store := memory.NewStore()
	f := &fixture{store: store}
	f.orch = NewWorkflowOrchestrator(store, &staticRoster{err: errors.New("roster offline")}, nopLogger{})

	rec := f.create(t, "inv-roster", entity.ConsultationGeneral)
	_, err := f.orch.AssignDoctor(context.Background(), rec.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roster offline")
}

func TestOrchestrator_NoReassignmentOnceReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d1"), generalDoctor("d2")})
	rec := f.create(t, "inv8", entity.ConsultationGeneral)
	_, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
	require.NoError(t, err)
	_, err = f.orch.AssignDoctor(ctx, rec.ID, "d1")
	require.NoError(t, err)

	_, err = f.orch.AssignDoctor(ctx, rec.ID, "d2")
	assert.ErrorIs(t, err, domainwf.ErrInvalidTransition)
}

func TestOrchestrator_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []entity.Doctor{generalDoctor("d1")})
	rec := f.create(t, "inv9", entity.ConsultationGeneral)

	_, err := f.orch.StartConsultation(ctx, rec.ID, "d1")
	assert.ErrorIs(t, err, domainwf.ErrInvalidTransition)

	_, err = f.orch.CompleteConsultation(ctx, rec.ID, "")
	assert.ErrorIs(t, err, domainwf.ErrInvalidTransition)

	_, err = f.orch.RecordVitals(ctx, "missing", "vs")
	assert.ErrorIs(t, err, domainwf.ErrWorkflowNotFound)
}

func TestOrchestrator_InvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.orch.CreateOnPayment(ctx, "", "inv", entity.ConsultationGeneral, "")
	assert.ErrorIs(t, err, domainwf.ErrInvalidInput)
	_, err = f.orch.CreateOnPayment(ctx, "p", "inv", entity.ConsultationType("surgery"), "")
	assert.ErrorIs(t, err, domainwf.ErrInvalidInput)

	rec := f.create(t, "inv10", entity.ConsultationGeneral)
	_, err = f.orch.RecordVitals(ctx, rec.ID, " ")
	assert.ErrorIs(t, err, domainwf.ErrInvalidInput)
	_, err = f.orch.StartConsultation(ctx, rec.ID, "")
	assert.ErrorIs(t, err, domainwf.ErrInvalidInput)
	_, err = f.orch.GetQueue(ctx, "")
	assert.ErrorIs(t, err, domainwf.ErrInvalidInput)
	_, err = f.orch.ListWorkflows(ctx, entity.WorkflowFilter{Status: "limbo"})
	assert.ErrorIs(t, err, domainwf.ErrInvalidInput)
}

func TestOrchestrator_SystemActorDefault(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.orch.CreateOnPayment(context.Background(), "p", "inv-sys", entity.ConsultationGeneral, "")
	require.NoError(t, err)
	assert.Equal(t, entity.SystemActor, rec.CreatedBy)
}

func TestOrchestrator_EmergencyPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled by default", func(t *testing.T) {
		f := newFixture(t, []entity.Doctor{generalDoctor("d1")})
		rec := f.create(t, "inv-er", entity.ConsultationEmergency)
		rec, err := f.orch.AssignDoctor(ctx, rec.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domainwf.StateDoctorAssignment, rec.Status)
	})

	t.Run("enabled skips vitals for emergency only", func(t *testing.T) {
		f := newFixture(t, []entity.Doctor{generalDoctor("d1")}, WithEmergencySkipsVitals(true))

		er := f.create(t, "inv-er", entity.ConsultationEmergency)
		er, err := f.orch.AssignDoctor(ctx, er.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domainwf.StateConsultationReady, er.Status)
		assert.False(t, er.HasVitals())

		// vitals may still be attached later without moving the workflow
		er, err = f.orch.RecordVitals(ctx, er.ID, "vs-late")
		require.NoError(t, err)
		assert.Equal(t, domainwf.StateConsultationReady, er.Status)
		assert.Equal(t, "vs-late", er.VitalSignsID)

		general := f.create(t, "inv-gp", entity.ConsultationGeneral)
		general, err = f.orch.AssignDoctor(ctx, general.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domainwf.StateDoctorAssignment, general.Status)
	})
}

func TestOrchestrator_PublishesEvents(t *testing.T) {
	ctx := context.Background()
	d := dispatcher.NewDispatcher()

	var (
		mu   sync.Mutex
		seen = map[event.Type][]string{}
	)
	record := func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[evt.Type] = append(seen[evt.Type], evt.WorkflowID)
		return nil
	}
	for _, typ := range []event.Type{
		event.TypeWorkflowCreated,
		event.TypeStatusChanged,
		event.TypeDoctorAssigned,
		event.TypeConsultationReady,
		event.TypeWorkflowCompleted,
	} {
		d.Subscribe(typ, record)
	}

	f := newFixture(t, []entity.Doctor{generalDoctor("d1")}, WithDispatcher(d))
	rec := f.create(t, "inv-ev", entity.ConsultationGeneral)
	_, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
	require.NoError(t, err)
	_, err = f.orch.AssignDoctor(ctx, rec.ID, "d1")
	require.NoError(t, err)
	_, err = f.orch.StartConsultation(ctx, rec.ID, "d1")
	require.NoError(t, err)
	_, err = f.orch.CompleteConsultation(ctx, rec.ID, "d1")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.Len(t, seen[event.TypeWorkflowCreated], 1)
	assert.Len(t, seen[event.TypeStatusChanged], 4)
	assert.Len(t, seen[event.TypeDoctorAssigned], 1)
	assert.Len(t, seen[event.TypeConsultationReady], 1)
	assert.Len(t, seen[event.TypeWorkflowCompleted], 1)
	assert.Equal(t, rec.ID, seen[event.TypeConsultationReady][0])
}

// barrierStore holds the first n Get calls until all of them have arrived,
// so that concurrent writers are guaranteed to read the same version.
type barrierStore struct {
	*memory.Store
	n       int32
	arrived atomic.Int32
	release chan struct{}
	once    sync.Once
}

func newBarrierStore(inner *memory.Store, n int32) *barrierStore {
	return &barrierStore{Store: inner, n: n, release: make(chan struct{})}
}

func (s *barrierStore) Get(ctx context.Context, id string) (*entity.WorkflowRecord, error) {
	rec, err := s.Store.Get(ctx, id)
	if s.arrived.Add(1) <= s.n {
		if s.arrived.Load() >= s.n {
			s.once.Do(func() { close(s.release) })
		}
		<-s.release
	}
	return rec, err
}

func TestOrchestrator_ConcurrentAssignment(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	f := &fixture{store: inner}
	f.with([]entity.Doctor{generalDoctor("d1"), generalDoctor("d2")}, inner)
	rec := f.create(t, "inv-cc", entity.ConsultationGeneral)
	_, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
	require.NoError(t, err)

	f.with([]entity.Doctor{generalDoctor("d1"), generalDoctor("d2")}, newBarrierStore(inner, 2))

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i, doctor := range []string{"d1", "d2"} {
		wg.Add(1)
		go func(i int, doctor string) {
			defer wg.Done()
			_, results[i] = f.orch.AssignDoctor(ctx, rec.ID, doctor)
		}(i, doctor)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domainwf.ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	final, err := inner.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domainwf.StateConsultationReady, final.Status)
	assert.Contains(t, []string{"d1", "d2"}, final.DoctorID)
	assert.Equal(t, int64(3), final.Version)

	history, err := inner.History(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, final.DoctorID, history[2].DoctorID)
}

// conflictStore reports a version conflict for the first `failures` updates
type conflictStore struct {
	*memory.Store
	failures int32
	calls    atomic.Int32
}

func (s *conflictStore) Update(ctx context.Context, rec *entity.WorkflowRecord, expected int64, entry *entity.TransitionEntry) error {
	if s.calls.Add(1) <= s.failures {
		return port.ErrVersionConflict
	}
	return s.Store.Update(ctx, rec, expected, entry)
}

func TestOrchestrator_RetriesVersionConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("retries with fresh read", func(t *testing.T) {
		inner := memory.NewStore()
		store := &conflictStore{Store: inner, failures: 2}
		f := &fixture{store: inner}
		f.with(nil, store)
		rec := f.create(t, "inv-retry", entity.ConsultationGeneral)

		rec, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
		assert.Equal(t, int32(3), store.calls.Load())

		history, err := inner.History(ctx, rec.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		inner := memory.NewStore()
		store := &conflictStore{Store: inner, failures: 100}
		f := &fixture{store: inner}
		f.with(nil, store, WithMaxRetries(2))
		rec := f.create(t, "inv-exhaust", entity.ConsultationGeneral)

		_, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
		assert.ErrorIs(t, err, domainwf.ErrConcurrentModification)
		assert.Equal(t, int32(3), store.calls.Load())

		after, err := inner.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), after.Version)
		assert.False(t, after.HasVitals())
	})
}

// interleavingStore runs before once, just ahead of the first conditional
// write, so that a competing write lands between read and write.
type interleavingStore struct {
	*memory.Store
	before func()
	once   sync.Once
}

func (s *interleavingStore) Update(ctx context.Context, rec *entity.WorkflowRecord, expected int64, entry *entity.TransitionEntry) error {
	s.once.Do(s.before)
	return s.Store.Update(ctx, rec, expected, entry)
}

func TestOrchestrator_ReevaluatesAfterCompetingWrite(t *testing.T) {
	ctx := context.Background()
	doctors := []entity.Doctor{generalDoctor("d1")}

	tests := []struct {
		name       string
		competitor func(o WorkflowOrchestrator, id string) error
		wantErr    error
		wantStatus domainwf.State
		wantDoctor string
		wantVitals string
		wantLen    int
	}{
		{
			name: "doctor assigned while vitals are written",
			competitor: func(o WorkflowOrchestrator, id string) error {
				_, err := o.AssignDoctor(ctx, id, "d1")
				return err
			},
			wantStatus: domainwf.StateConsultationReady,
			wantDoctor: "d1",
			wantVitals: "vs-B",
			wantLen:    3,
		},
		{
			name: "vitals recorded by another writer",
			competitor: func(o WorkflowOrchestrator, id string) error {
				_, err := o.RecordVitals(ctx, id, "vs-A")
				return err
			},
			wantErr:    domainwf.ErrAlreadyRecorded,
			wantStatus: domainwf.StateDoctorAssignment,
			wantVitals: "vs-A",
			wantLen:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := memory.NewStore()
			competitor := NewWorkflowOrchestrator(inner, &staticRoster{doctors: doctors}, nopLogger{})
			store := &interleavingStore{Store: inner}
			f := &fixture{store: inner}
			f.with(doctors, store)
			rec := f.create(t, "inv-interleave", entity.ConsultationGeneral)

			store.before = func() {
				require.NoError(t, tt.competitor(competitor, rec.ID))
			}

			_, err := f.orch.RecordVitals(ctx, rec.ID, "vs-B")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			final, err := inner.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, final.Status)
			assert.Equal(t, tt.wantDoctor, final.DoctorID)
			assert.Equal(t, tt.wantVitals, final.VitalSignsID)

			history, err := inner.History(ctx, rec.ID)
			require.NoError(t, err)
			assert.Len(t, history, tt.wantLen)
		})
	}
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "inv-ctx", entity.ConsultationGeneral)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.RecordVitals(ctx, rec.ID, "vs")
	assert.ErrorIs(t, err, context.Canceled)
}

// Drives random operation sequences and checks the store-wide invariants.
func TestOrchestrator_RandomSequencesKeepInvariants(t *testing.T) {
	ctx := context.Background()
	roster := []entity.Doctor{
		generalDoctor("d1"),
		generalDoctor("d2"),
		{ID: "d3", Specialty: "cardiology", IsActive: true},
	}
	f := newFixture(t, roster)
	rng := rand.New(rand.NewSource(42))

	var ids []string
	types := entity.ConsultationTypes()
	for i := 0; i < 12; i++ {
		ids = append(ids, f.create(t, fmt.Sprintf("inv-rand-%d", i), types[i%len(types)]).ID)
	}

	for step := 0; step < 600; step++ {
		id := ids[rng.Intn(len(ids))]
		doctor := roster[rng.Intn(len(roster))].ID
		switch rng.Intn(6) {
		case 0:
			_, _ = f.orch.RequestVitals(ctx, id)
		case 1:
			_, _ = f.orch.RecordVitals(ctx, id, fmt.Sprintf("vs-%d", step))
		case 2:
			_, _ = f.orch.AssignDoctor(ctx, id, "")
		case 3:
			_, _ = f.orch.AssignDoctor(ctx, id, doctor)
		case 4:
			_, _ = f.orch.StartConsultation(ctx, id, doctor)
		case 5:
			_, _ = f.orch.CompleteConsultation(ctx, id, "")
		}
	}

	all, err := f.orch.ListWorkflows(ctx, entity.WorkflowFilter{})
	require.NoError(t, err)
	for _, rec := range all {
		if rec.Status.Rank() >= domainwf.StateConsultationReady.Rank() {
			assert.True(t, rec.HasDoctor() && rec.HasVitals(), "workflow %s in %s lacks prerequisites", rec.ID, rec.Status)
		}

		history, err := f.orch.GetHistory(ctx, rec.ID)
		require.NoError(t, err)
		for i := 1; i < len(history); i++ {
			assert.False(t, history[i].ToStatus.Before(history[i].FromStatus), "workflow %s regressed", rec.ID)
		}
		assert.Equal(t, rec.Version, int64(len(history)))
	}

	for _, d := range roster {
		queue, err := f.orch.GetQueue(ctx, d.ID)
		require.NoError(t, err)
		for i, rec := range queue {
			assert.Equal(t, d.ID, rec.DoctorID)
			assert.True(t, rec.Status.IsQueued())
			if i > 0 {
				assert.False(t, rec.CreatedAt.Before(queue[i-1].CreatedAt))
			}
		}
	}
}
