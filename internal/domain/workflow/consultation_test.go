package workflow_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// Importing the package and driving the shared machine from another package
// must not depend on declaration order of package-level state.
func TestConsultationMachine_UsableFromImporters(t *testing.T) {
	tests := []struct {
		name    string
		state   workflow.State
		trigger workflow.Trigger
		doctor  bool
		vitals  bool
		want    workflow.State
		wantErr error
	}{
		{"payment", workflow.StateNone, workflow.TriggerPaymentCompleted, false, false, workflow.StatePaymentCompleted, nil},
		{"vitals then doctor", workflow.StateDoctorAssignment, workflow.TriggerDoctorAssigned, false, true, workflow.StateConsultationReady, nil},
		{"complete", workflow.StateInProgress, workflow.TriggerConsultationCompleted, true, true, workflow.StateCompleted, nil},
		{"unknown state", workflow.State("archived"), workflow.TriggerConsultationStarted, true, true, "", workflow.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := workflow.Transition(tt.state, tt.doctor, tt.vitals, tt.trigger)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsultationMachine_ConcurrentFirstUse(t *testing.T) {
	var wg sync.WaitGroup
	results := make([]workflow.State, 16)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i], _ = workflow.Transition(workflow.StatePaymentCompleted, true, false, workflow.TriggerVitalsRecorded)
				return
			}
			results[i], _ = workflow.ConsultationMachine().Next(workflow.StatePaymentCompleted,
				workflow.Guards{DoctorPresent: true}, workflow.TriggerVitalsRecorded)
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, workflow.StateConsultationReady, got, "caller %d", i)
	}
	assert.True(t, workflow.StateConsultationReady.IsValid())
	assert.Equal(t, 5, workflow.StateConsultationReady.Rank())
}
