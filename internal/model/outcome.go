package model

import "time"

// Step is a state of the intake pipeline.
type Step string

const (
	StepVerified         Step = "verified"
	StepFieldsUpdated    Step = "fields_updated"
	StepStageChanged     Step = "stage_changed"
	StepDocumentReady    Step = "document_ready"
	StepCalendarCreated  Step = "calendar_created"
	StepNotificationSent Step = "notification_sent"
	StepComplete         Step = "complete"
	StepFailed           Step = "failed"
)

// Steps lists the pipeline states in order.
var Steps = []Step{
	StepVerified,
	StepFieldsUpdated,
	StepStageChanged,
	StepDocumentReady,
	StepCalendarCreated,
	StepNotificationSent,
	StepComplete,
}

// Next returns the state that follows s, or "" for terminal states.
func (s Step) Next() Step {
	for i, st := range Steps {
		if st == s && i+1 < len(Steps) {
			return Steps[i+1]
		}
	}
	return ""
}

// StepStatus is the result of executing one transition.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusFailed  StepStatus = "failed"
)

// StepRecord is the audit entry for one transition.
type StepRecord struct {
	Step       Step       `json:"step"`
	Status     StepStatus `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// RunOutcome is the terminal record of one pipeline execution.
type RunOutcome struct {
	RunID    string `json:"run_id"`
	MatterID int64  `json:"matter_id"`
	// Step is the last state reached; it equals StepComplete on success.
	Step       Step          `json:"step"`
	Success    bool          `json:"success"`
	FailedStep Step          `json:"failed_step,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
	Retry      Disposition   `json:"disposition,omitempty"`
	Error      string        `json:"error,omitempty"`

	MatterURL       string       `json:"matter_url,omitempty"`
	Document        *DocumentRef `json:"document,omitempty"`
	CalendarEntryID int64        `json:"calendar_entry_id,omitempty"`
	StatuteDate     string       `json:"statute_date,omitempty"`
	DeliveryMode    string       `json:"delivery_mode,omitempty"`
	StageChangedAt  *time.Time   `json:"stage_changed_at,omitempty"`

	Steps      []StepRecord `json:"steps"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Fail moves the outcome to the failed terminal state.
func (o *RunOutcome) Fail(step Step, err error) {
	o.Success = false
	o.FailedStep = step
	o.Reason = ReasonOf(err)
	o.Retry = o.Reason.Disposition()
	if err != nil {
		o.Error = err.Error()
	}
}

// Event is a progress notification emitted after each transition.
type Event struct {
	RunID    string        `json:"run_id"`
	MatterID int64         `json:"matter_id"`
	Step     Step          `json:"step"`
	Detail   string        `json:"detail,omitempty"`
	Reason   FailureReason `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}
