package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-cli/internal/clio"
	"github.com/sells-group/intake-cli/internal/clio/cliotest"
	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/notify"
	"github.com/sells-group/intake-cli/internal/resilience"
)

var march20 = time.Date(2024, 3, 20, 15, 0, 0, 0, time.UTC)

// --- Sender fakes ---

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (s *recordingSender) Send(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *recordingSender) Sent() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message(nil), s.sent...)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

type memoryRecorder struct {
	mu       sync.Mutex
	outcomes []*model.RunOutcome
}

func (r *memoryRecorder) SaveOutcome(_ context.Context, o *model.RunOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

// --- Fixtures ---

func sampleCase() model.CaseRecord {
	return model.CaseRecord{
		ReportNumber:          "MV-2024-00123",
		AccidentDate:          "2024-03-15",
		AccidentLocation:      "5th Ave and 23rd St, New York",
		AccidentDescription:   "Vehicle 2 rear-ended Vehicle 1 at a red light. Both drivers exchanged information.",
		WeatherConditions:     "Clear",
		ReportingOfficerName:  "P.O. Rivera",
		ReportingOfficerBadge: "4471",
		Parties: []model.Party{
			{
				Role:        model.Extracted[model.Role]{Value: model.RolePlaintiff},
				FullName:    model.Extracted[string]{Value: "DOE, JANE"},
				Injuries:    model.Extracted[string]{Value: "Neck pain"},
				Address:     "12 Elm St",
				VehicleYear: "2019", VehicleMake: "Honda", VehicleModel: "Civic",
			},
			{
				Role:                  model.Extracted[model.Role]{Value: model.RoleDefendant},
				FullName:              model.Extracted[string]{Value: "John Roe"},
				InsuranceCompany:      model.Extracted[string]{Value: "Acme Mutual"},
				InsurancePolicyNumber: model.Extracted[string]{Value: "POL-998"},
			},
		},
	}
}

func sampleRequest(srv *cliotest.Server) Request {
	return Request{
		Case:   sampleCase(),
		Matter: model.MatterRef{MatterID: srv.MatterID, ClientEmail: "jane@example.com"},
	}
}

func testConfig() Config {
	return Config{
		PollInitial:     time.Millisecond,
		PollCap:         5 * time.Millisecond,
		PollMaxAttempts: 5,
		DocumentTimeout: 2 * time.Second,
		ClockSkew:       time.Second,
		DocumentName:    DefaultDocumentName,
		FirmName:        "Doe & Partners",
		Booking: BookingLinks{
			InOffice: "https://book.example.com/office",
			Virtual:  "https://book.example.com/virtual",
		},
	}
}

// generatesRetainer makes the fake CRM produce a retainer when the matter
// reaches the verified stage, the way the firm's automation does.
func generatesRetainer(srv *cliotest.Server, at time.Time) {
	srv.OnStageChange = func(s *cliotest.Server, stageID int64) {
		if stageID == 11 {
			s.AddDocumentLocked("Retainer Agreement.pdf", at, true)
		}
	}
}

func newHarness(t *testing.T, cfg Config, sender notify.Sender, opts ...Option) (*cliotest.Server, *Orchestrator) {
	t.Helper()
	srv := cliotest.NewServer()
	t.Cleanup(srv.Close)
	generatesRetainer(srv, march20.Add(time.Second))

	gw := clio.NewClient(srv.Credentials(),
		clio.WithBaseURL(srv.URL),
		clio.WithRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
	)
	cfg.BaseURL = srv.URL
	opts = append([]Option{WithClock(func() time.Time { return march20 })}, opts...)
	return srv, New(gw, sender, NewMemoryLedger(), cfg, opts...)
}

func stepsOf(events []model.Event) []model.Step {
	var out []model.Step
	for _, e := range events {
		out = append(out, e.Step)
	}
	return out
}

func TestRun_EndToEnd(t *testing.T) {
	sender := &recordingSender{}
	srv, orch := newHarness(t, testConfig(), sender, WithRunIDs(func() string { return "run-1" }))

	var events []model.Event
	out := orch.Run(context.Background(), sampleRequest(srv), func(e model.Event) {
		events = append(events, e)
	})

	require.True(t, out.Success, out.Error)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, model.StepComplete, out.Step)
	assert.Empty(t, out.Reason)
	assert.Equal(t, "2032-03-15", out.StatuteDate)
	assert.Equal(t, notify.ModeInOffice, out.DeliveryMode)
	assert.Equal(t, clio.MatterURL(srv.URL, srv.MatterID), out.MatterURL)
	require.NotNil(t, out.StageChangedAt)
	assert.Equal(t, march20, *out.StageChangedAt)
	require.NotNil(t, out.Document)
	assert.Equal(t, int64(7000), out.Document.ID)

	assert.Equal(t, []model.Step{
		model.StepFieldsUpdated,
		model.StepStageChanged,
		model.StepDocumentReady,
		model.StepCalendarCreated,
		model.StepNotificationSent,
		model.StepComplete,
	}, stepsOf(events))
	require.Len(t, out.Steps, 5)
	for _, s := range out.Steps {
		assert.Equal(t, model.StepStatusSuccess, s.Status, s.Step)
	}

	// CRM side effects.
	assert.Equal(t, int64(11), srv.StageID)
	assert.Equal(t, "2032-03-15", srv.Value(clio.FieldStatuteDate))
	assert.Equal(t, "DOE, JANE", srv.Value(clio.FieldPlaintiffName))
	assert.Equal(t, "2019 Honda Civic", srv.Value(clio.FieldPlaintiffVehicle))
	assert.Equal(t, "P.O. Rivera (Badge #4471)", srv.Value(clio.FieldReportingOfficer))

	entries := srv.CalendarEntries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, out.CalendarEntryID, e.ID)
	assert.Equal(t, "Statute of Limitations - DOE, JANE v John Roe", e.Summary)
	assert.True(t, e.AllDay)
	assert.Equal(t, time.Date(2032, 3, 15, 0, 0, 0, 0, time.UTC), e.StartAt.UTC())
	assert.Equal(t, time.Date(2032, 3, 16, 0, 0, 0, 0, time.UTC), e.EndAt.UTC())
	require.NotNil(t, e.CalendarOwner)
	assert.Equal(t, int64(901), e.CalendarOwner.ID)
	assert.Equal(t, []clio.Reminder{{DurationValue: DefaultReminderDays, DurationUnit: "days"}}, e.Reminders)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, "jane@example.com", msg.To)
	assert.Equal(t, notify.ModeInOffice, msg.DeliveryMode)
	assert.Contains(t, msg.Text, "Jane")
	assert.Contains(t, msg.Text, "March 15, 2024")
	assert.Contains(t, msg.Text, "https://book.example.com/office")
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "Retainer_Agreement_DOE_JANE.pdf", msg.Attachment.Filename)
	assert.Equal(t, srv.DocumentBody, msg.Attachment.Data)
}

func TestRun_ReRunIsIdempotent(t *testing.T) {
	sender := &recordingSender{}
	srv, orch := newHarness(t, testConfig(), sender)
	req := sampleRequest(srv)

	first := orch.Run(context.Background(), req, nil)
	require.True(t, first.Success, first.Error)

	second := orch.Run(context.Background(), req, nil)
	require.True(t, second.Success, second.Error)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Nil(t, second.StageChangedAt)
	assert.Equal(t, first.Document.ID, second.Document.ID)
	assert.Equal(t, first.CalendarEntryID, second.CalendarEntryID)

	statuses := map[model.Step]model.StepStatus{}
	for _, s := range second.Steps {
		statuses[s.Step] = s.Status
	}
	assert.Equal(t, model.StepStatusSkipped, statuses[model.StepFieldsUpdated])
	assert.Equal(t, model.StepStatusSkipped, statuses[model.StepStageChanged])
	assert.Equal(t, model.StepStatusSuccess, statuses[model.StepDocumentReady])
	assert.Equal(t, model.StepStatusSkipped, statuses[model.StepCalendarCreated])
	assert.Equal(t, model.StepStatusSkipped, statuses[model.StepNotificationSent])

	assert.Equal(t, 1, srv.FieldWrites())
	assert.Equal(t, 1, srv.StageChanges())
	assert.Len(t, srv.CalendarEntries(), 1)
	assert.Len(t, sender.Sent(), 1)
}

func TestRun_DocumentNotReady(t *testing.T) {
	cfg := testConfig()
	cfg.PollMaxAttempts = 3
	srv, orch := newHarness(t, cfg, &recordingSender{})
	srv.OnStageChange = nil
	// Only a document from before the stage change exists.
	srv.AddDocument("Retainer Agreement.pdf", march20.Add(-time.Hour), true)

	out := orch.Run(context.Background(), sampleRequest(srv), nil)

	assert.False(t, out.Success)
	assert.Equal(t, model.StepStageChanged, out.Step)
	assert.Equal(t, model.StepDocumentReady, out.FailedStep)
	assert.Equal(t, model.ReasonDocumentNotReady, out.Reason)
	assert.Equal(t, model.DispositionRetryLater, out.Retry)
	assert.Empty(t, srv.CalendarEntries())
	assert.Equal(t, 3, srv.Calls(cliotest.RouteDocuments))
}

func TestRun_DocumentNameFilter(t *testing.T) {
	cfg := testConfig()
	cfg.PollMaxAttempts = 2
	srv, orch := newHarness(t, cfg, &recordingSender{})
	srv.OnStageChange = func(s *cliotest.Server, _ int64) {
		s.AddDocumentLocked("Police Report.pdf", march20.Add(time.Second), true)
	}

	out := orch.Run(context.Background(), sampleRequest(srv), nil)
	assert.Equal(t, model.ReasonDocumentNotReady, out.Reason)
}

func TestRun_CancelledAtStepBoundary(t *testing.T) {
	srv, orch := newHarness(t, testConfig(), &recordingSender{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []model.Event
	out := orch.Run(ctx, sampleRequest(srv), func(e model.Event) {
		events = append(events, e)
		if e.Step == model.StepFieldsUpdated {
			cancel()
		}
	})

	assert.False(t, out.Success)
	assert.Equal(t, model.StepFieldsUpdated, out.Step)
	assert.Equal(t, model.StepStageChanged, out.FailedStep)
	assert.Equal(t, model.ReasonCancelled, out.Reason)
	assert.Equal(t, model.DispositionRetryRun, out.Retry)
	assert.Equal(t, 1, srv.FieldWrites())
	assert.Equal(t, 0, srv.StageChanges())
	assert.Equal(t, []model.Step{model.StepFieldsUpdated, model.StepFailed}, stepsOf(events))
	assert.Equal(t, model.ReasonCancelled, events[1].Reason)
}

func TestRun_CancelledDuringPoll(t *testing.T) {
	cfg := testConfig()
	cfg.PollMaxAttempts = 0
	cfg.PollInitial = 20 * time.Millisecond
	srv, orch := newHarness(t, cfg, &recordingSender{})
	srv.OnStageChange = nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := orch.Run(ctx, sampleRequest(srv), func(e model.Event) {
		if e.Step == model.StepStageChanged {
			time.AfterFunc(30*time.Millisecond, cancel)
		}
	})

	assert.Equal(t, model.StepDocumentReady, out.FailedStep)
	assert.Equal(t, model.ReasonCancelled, out.Reason)
}

func TestRun_InvalidRecord(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing accident date", func(r *Request) { r.Case.AccidentDate = "" }},
		{"bad accident date", func(r *Request) { r.Case.AccidentDate = "03/15/2024" }},
		{"no plaintiff", func(r *Request) { r.Case.Parties = r.Case.Parties[1:] }},
		{"no matter", func(r *Request) { r.Matter.MatterID = 0 }},
		{"no client email", func(r *Request) { r.Matter.ClientEmail = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, orch := newHarness(t, testConfig(), &recordingSender{})
			req := sampleRequest(srv)
			tt.mutate(&req)

			out := orch.Run(context.Background(), req, nil)

			assert.False(t, out.Success)
			assert.Equal(t, model.StepVerified, out.Step)
			assert.Equal(t, model.StepVerified, out.FailedStep)
			assert.Equal(t, model.ReasonInvalidRecord, out.Reason)
			assert.Equal(t, model.DispositionDoNotRetry, out.Retry)
			assert.Equal(t, 0, srv.Calls(cliotest.RouteWhoAmI))
			assert.Equal(t, 0, srv.FieldWrites())
		})
	}
}

func TestRun_ExplicitAttorneySkipsWhoAmI(t *testing.T) {
	srv, orch := newHarness(t, testConfig(), &recordingSender{})
	req := sampleRequest(srv)
	req.Matter.AttorneyID = 42
	req.Matter.CalendarID = 77

	out := orch.Run(context.Background(), req, nil)

	require.True(t, out.Success, out.Error)
	assert.Equal(t, 0, srv.Calls(cliotest.RouteWhoAmI))
	entries := srv.CalendarEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(77), entries[0].CalendarOwner.ID)
}

func TestRun_NegativeReminderDaysAddsNoReminder(t *testing.T) {
	cfg := testConfig()
	cfg.ReminderDays = -1
	srv, orch := newHarness(t, cfg, &recordingSender{})

	out := orch.Run(context.Background(), sampleRequest(srv), nil)

	require.True(t, out.Success, out.Error)
	entries := srv.CalendarEntries()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Reminders)
}

func TestRun_MissingStageIsConfigurationDefect(t *testing.T) {
	cfg := testConfig()
	cfg.TargetStage = "Retainer Sent"
	srv, orch := newHarness(t, cfg, &recordingSender{})

	out := orch.Run(context.Background(), sampleRequest(srv), nil)

	assert.Equal(t, model.StepFieldsUpdated, out.Step)
	assert.Equal(t, model.StepStageChanged, out.FailedStep)
	assert.Equal(t, model.ReasonConfigurationDefect, out.Reason)
	assert.Equal(t, model.DispositionDoNotRetry, out.Retry)
	assert.Equal(t, 0, srv.StageChanges())
}

func TestRun_StageNameMatchIgnoresCase(t *testing.T) {
	cfg := testConfig()
	cfg.TargetStage = "data verified"
	srv, orch := newHarness(t, cfg, &recordingSender{})

	out := orch.Run(context.Background(), sampleRequest(srv), nil)
	require.True(t, out.Success, out.Error)
	assert.Equal(t, int64(11), srv.StageID)
}

func TestRun_SendFailureReleasesClaim(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(&notify.SendError{Err: errors.New("421 try later")}).Once()
	sender.On("Send", mock.Anything, mock.Anything).Return(nil).Once()
	srv, orch := newHarness(t, testConfig(), sender)
	req := sampleRequest(srv)

	first := orch.Run(context.Background(), req, nil)
	assert.False(t, first.Success)
	assert.Equal(t, model.StepCalendarCreated, first.Step)
	assert.Equal(t, model.StepNotificationSent, first.FailedStep)
	assert.Equal(t, model.ReasonNotificationFailed, first.Reason)
	assert.Equal(t, model.DispositionRetryRun, first.Retry)

	second := orch.Run(context.Background(), req, nil)
	require.True(t, second.Success, second.Error)
	sender.AssertNumberOfCalls(t, "Send", 2)
	assert.Len(t, srv.CalendarEntries(), 1)
}

func TestRun_VirtualModeOutsideSummer(t *testing.T) {
	sender := &recordingSender{}
	october := time.Date(2024, 10, 2, 9, 0, 0, 0, time.UTC)
	srv, orch := newHarness(t, testConfig(), sender, WithClock(func() time.Time { return october }))
	generatesRetainer(srv, october.Add(time.Second))

	out := orch.Run(context.Background(), sampleRequest(srv), nil)

	require.True(t, out.Success, out.Error)
	assert.Equal(t, notify.ModeVirtual, out.DeliveryMode)
	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "https://book.example.com/virtual")
}

func TestRun_RecorderReceivesOutcome(t *testing.T) {
	rec := &memoryRecorder{}
	srv, orch := newHarness(t, testConfig(), &recordingSender{}, WithRecorder(rec))
	req := sampleRequest(srv)

	_ = orch.Run(context.Background(), req, nil)
	req.Case.AccidentDate = ""
	_ = orch.Run(context.Background(), req, nil)

	require.Len(t, rec.outcomes, 2)
	assert.True(t, rec.outcomes[0].Success)
	assert.Equal(t, model.ReasonInvalidRecord, rec.outcomes[1].Reason)
	assert.False(t, rec.outcomes[1].FinishedAt.IsZero())
}

func TestRun_AuthenticationFailureIsRetryable(t *testing.T) {
	srv, orch := newHarness(t, testConfig(), &recordingSender{})
	srv.FailStatus(cliotest.RouteWhoAmI, 401, 401)

	out := orch.Run(context.Background(), sampleRequest(srv), nil)

	assert.Equal(t, model.StepVerified, out.FailedStep)
	assert.Equal(t, model.ReasonAuthenticationFailed, out.Reason)
	assert.Equal(t, model.DispositionRetryRun, out.Retry)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{ClockSkew: -time.Second}.withDefaults()
	assert.Equal(t, DefaultTargetStage, cfg.TargetStage)
	assert.Equal(t, DefaultStatuteYears, cfg.StatuteYears)
	assert.Equal(t, DefaultCalendarPrefix, cfg.CalendarPrefix)
	assert.Equal(t, DefaultDocumentTimeout, cfg.DocumentTimeout)
	assert.Equal(t, DefaultReminderDays, cfg.ReminderDays)
	assert.Equal(t, time.Duration(0), cfg.ClockSkew)
	assert.Equal(t, clio.DefaultBaseURL, cfg.BaseURL)
}
