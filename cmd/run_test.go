//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-cli/internal/model"
)

func failedOutcome(step model.Step, reason model.FailureReason) *model.RunOutcome {
	return &model.RunOutcome{
		Step:       model.StepFailed,
		FailedStep: step,
		Reason:     reason,
		Retry:      reason.Disposition(),
	}
}

func TestRunError(t *testing.T) {
	assert.NoError(t, runError(&model.RunOutcome{Success: true, Step: model.StepComplete}))

	tests := []struct {
		name string
		out  *model.RunOutcome
		want string
	}{
		{"retryable", failedOutcome(model.StepDocumentReady, model.ReasonDocumentNotReady),
			"run: failed at document_ready (document_not_ready, retry_later): safe to re-run"},
		{"reauthorize", failedOutcome(model.StepFieldsUpdated, model.ReasonCredentialsExhausted),
			"re-authorize with `intake-cli auth url`"},
		{"permanent", failedOutcome(model.StepVerified, model.ReasonInvalidRecord),
			"fix the case record or CRM setup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runError(tt.out)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
