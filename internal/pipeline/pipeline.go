// Package pipeline drives an approved case through the CRM: custom fields,
// matter stage, retainer document, statute calendar entry and client email.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-cli/internal/clio"
	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/notify"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultTargetStage     = "Data Verified"
	DefaultDocumentName    = "Retainer"
	DefaultCalendarPrefix  = "Statute of Limitations"
	DefaultReminderDays    = 7
	DefaultClockSkew       = 30 * time.Second
	DefaultDocumentTimeout = 5 * time.Minute
)

// Config tunes the orchestrator.
type Config struct {
	TargetStage     string
	StatuteYears    int
	ClockSkew       time.Duration
	DocumentTimeout time.Duration
	PollInitial     time.Duration
	PollCap         time.Duration
	PollMaxAttempts int
	// DocumentName filters candidate documents by a case-insensitive name
	// fragment. Empty accepts any document.
	DocumentName   string
	CalendarPrefix string
	// ReminderDays is how far ahead the statute entry reminds its owner.
	// Zero takes the default; negative disables the reminder.
	ReminderDays int
	FirmName     string
	Booking      BookingLinks
	BaseURL      string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.TargetStage) == "" {
		c.TargetStage = DefaultTargetStage
	}
	if c.StatuteYears <= 0 {
		c.StatuteYears = DefaultStatuteYears
	}
	if c.ClockSkew < 0 {
		c.ClockSkew = 0
	}
	if c.DocumentTimeout <= 0 {
		c.DocumentTimeout = DefaultDocumentTimeout
	}
	if strings.TrimSpace(c.CalendarPrefix) == "" {
		c.CalendarPrefix = DefaultCalendarPrefix
	}
	if c.ReminderDays == 0 {
		c.ReminderDays = DefaultReminderDays
	}
	if c.BaseURL == "" {
		c.BaseURL = clio.DefaultBaseURL
	}
	return c
}

// Recorder persists finished run outcomes.
type Recorder interface {
	SaveOutcome(ctx context.Context, o *model.RunOutcome) error
}

// Observer receives progress events. It is called synchronously from Run.
type Observer func(model.Event)

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithRecorder saves every outcome once the run ends.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithClock overrides time.Now for delivery mode and run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithRunIDs overrides the run id generator.
func WithRunIDs(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// Orchestrator runs the intake state machine. It holds no per-run state and
// is safe for concurrent use.
type Orchestrator struct {
	crm      clio.Client
	sender   notify.Sender
	ledger   DeliveryLedger
	recorder Recorder
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// New creates an Orchestrator.
func New(crm clio.Client, sender notify.Sender, ledger DeliveryLedger, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		crm:    crm,
		sender: sender,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	if o.ledger == nil {
		o.ledger = NewMemoryLedger()
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request is one approved case to push into an existing matter.
type Request struct {
	// RunID is generated when empty.
	RunID  string
	Case   model.CaseRecord
	Matter model.MatterRef
	// DocumentsAfter bounds the document poll when the matter is already at
	// the target stage. Zero accepts any ready document.
	DocumentsAfter time.Time
}

// Run executes the pipeline for one case. It always returns an outcome; a
// failure is reported through the outcome's reason and disposition.
func (o *Orchestrator) Run(ctx context.Context, req Request, observe Observer) *model.RunOutcome {
	if req.RunID == "" {
		req.RunID = o.newID()
	}
	r := &run{
		o:       o,
		req:     req,
		observe: observe,
		log: zap.L().With(
			zap.String("run_id", req.RunID),
			zap.Int64("matter_id", req.Matter.MatterID),
		),
		out: &model.RunOutcome{
			RunID:     req.RunID,
			MatterID:  req.Matter.MatterID,
			Step:      model.StepVerified,
			Steps:     []model.StepRecord{},
			StartedAt: o.now().UTC(),
		},
	}
	r.log.Info("pipeline: starting run")
	defer r.finish(ctx)

	if err := r.preflight(ctx); err != nil {
		r.fail(model.StepVerified, err)
		return r.out
	}

	handlers := map[model.Step]stepFunc{
		model.StepFieldsUpdated:    r.updateFields,
		model.StepStageChanged:     r.changeStage,
		model.StepDocumentReady:    r.awaitDocument,
		model.StepCalendarCreated:  r.createCalendarEntry,
		model.StepNotificationSent: r.sendNotification,
	}
	for step := model.StepVerified.Next(); step != model.StepComplete; step = step.Next() {
		if err := ctx.Err(); err != nil {
			r.fail(step, eris.Wrap(err, fmt.Sprintf("pipeline: cancelled before %s", step)))
			return r.out
		}
		if err := r.track(ctx, step, handlers[step]); err != nil {
			return r.out
		}
	}

	r.out.Step = model.StepComplete
	r.out.Success = true
	r.emit(model.StepComplete, "Pipeline complete", "")
	return r.out
}

type stepFunc func(ctx context.Context) (model.StepStatus, string, error)

type run struct {
	o       *Orchestrator
	req     Request
	observe Observer
	log     *zap.Logger
	out     *model.RunOutcome

	accident     time.Time
	statute      time.Time
	attorneyID   int64
	calendarID   int64
	matter       *clio.Matter
	createdAfter time.Time
	document     *clio.Document
}

// track runs one transition and records it.
func (r *run) track(ctx context.Context, step model.Step, fn stepFunc) error {
	start := time.Now()
	status, detail, err := fn(ctx)
	duration := time.Since(start).Milliseconds()

	rec := model.StepRecord{Step: step, Status: status, Detail: detail, DurationMs: duration}
	if err != nil {
		rec.Status = model.StepStatusFailed
		rec.Detail = err.Error()
		r.log.Error("pipeline: step failed",
			zap.String("step", string(step)),
			zap.Int64("duration_ms", duration),
			zap.String("reason", string(model.ReasonOf(err))),
			zap.Error(err),
		)
		r.out.Steps = append(r.out.Steps, rec)
		r.fail(step, err)
		return err
	}

	r.log.Info("pipeline: step complete",
		zap.String("step", string(step)),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", duration),
	)
	r.out.Steps = append(r.out.Steps, rec)
	r.out.Step = step
	r.emit(step, detail, "")
	return nil
}

func (r *run) fail(step model.Step, err error) {
	r.out.Fail(step, err)
	r.emit(model.StepFailed, r.out.Error, r.out.Reason)
}

func (r *run) emit(step model.Step, detail string, reason model.FailureReason) {
	if r.observe == nil {
		return
	}
	r.observe(model.Event{
		RunID:    r.out.RunID,
		MatterID: r.out.MatterID,
		Step:     step,
		Detail:   detail,
		Reason:   reason,
		At:       r.o.now().UTC(),
	})
}

func (r *run) finish(ctx context.Context) {
	r.out.FinishedAt = r.o.now().UTC()
	if r.out.Success {
		r.log.Info("pipeline: run complete",
			zap.Int64("calendar_entry_id", r.out.CalendarEntryID),
			zap.String("delivery_mode", r.out.DeliveryMode),
		)
	} else {
		r.log.Warn("pipeline: run failed",
			zap.String("failed_step", string(r.out.FailedStep)),
			zap.String("reason", string(r.out.Reason)),
			zap.String("disposition", string(r.out.Retry)),
		)
	}
	if r.o.recorder == nil {
		return
	}
	if err := r.o.recorder.SaveOutcome(context.WithoutCancel(ctx), r.out); err != nil {
		r.log.Warn("pipeline: failed to save outcome", zap.Error(err))
	}
}

// preflight checks the record and resolves who owns the calendar entry.
func (r *run) preflight(ctx context.Context) error {
	if err := r.req.Case.Validate(); err != nil {
		return err
	}
	if n := r.req.Case.FlaggedFields(); n > 0 {
		r.log.Info("pipeline: approved record carries low-confidence values", zap.Int("flagged", n))
	}
	if r.req.Matter.MatterID <= 0 {
		return &model.RecordError{Err: eris.New("pipeline: matter id is required")}
	}
	if strings.TrimSpace(r.req.Matter.ClientEmail) == "" {
		return &model.RecordError{Err: eris.New("pipeline: client email is required")}
	}

	accident, err := r.req.Case.AccidentDay()
	if err != nil {
		return &model.RecordError{Err: err}
	}
	r.accident = accident
	r.statute = StatuteDate(accident, r.o.cfg.StatuteYears)
	r.out.StatuteDate = r.statute.Format(model.DateLayout)
	r.out.MatterURL = clio.MatterURL(r.o.cfg.BaseURL, r.req.Matter.MatterID)

	r.attorneyID = r.req.Matter.AttorneyID
	r.calendarID = r.req.Matter.CalendarID
	if r.attorneyID == 0 || r.calendarID == 0 {
		u, err := r.o.crm.WhoAmI(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline: resolve responsible attorney")
		}
		if r.attorneyID == 0 {
			r.attorneyID = u.ID
		}
		if r.calendarID == 0 {
			r.calendarID = u.DefaultCalendarID
		}
	}
	if r.calendarID == 0 {
		return model.WithReason(model.ReasonConfigurationDefect,
			eris.Errorf("pipeline: user %d has no default calendar", r.attorneyID))
	}
	return nil
}

// updateFields writes the case data to the matter's custom fields.
//
// Idempotent: the gateway compares against current values and reuses the
// existing value ids, so a re-run with the same record sends no PATCH.
func (r *run) updateFields(ctx context.Context) (model.StepStatus, string, error) {
	values := FieldValues(&r.req.Case, r.statute)
	upd, err := r.o.crm.UpdateMatterFields(context.WithoutCancel(ctx), r.req.Matter.MatterID, values)
	if err != nil {
		return "", "", err
	}
	r.matter = upd.Matter
	if !upd.Patched {
		return model.StepStatusSkipped, fmt.Sprintf("%d custom fields already current", len(values)), nil
	}
	return model.StepStatusSuccess, fmt.Sprintf("Updated %d of %d custom fields", upd.Changed, len(values)), nil
}

// changeStage moves the matter to the target stage, which triggers the
// CRM's retainer automation.
//
// Idempotent: a matter already at the target stage is left alone and the
// document poll falls back to the caller's DocumentsAfter bound.
func (r *run) changeStage(ctx context.Context) (model.StepStatus, string, error) {
	mctx := context.WithoutCancel(ctx)
	stage, err := r.targetStage(mctx)
	if err != nil {
		return "", "", err
	}

	if r.matter != nil && r.matter.StageID() == stage.ID {
		r.createdAfter = r.req.DocumentsAfter
		return model.StepStatusSkipped, fmt.Sprintf("Matter already in stage %q", stage.Name), nil
	}

	before := r.o.now().UTC()
	m, err := r.o.crm.UpdateMatterStage(mctx, r.req.Matter.MatterID, stage.ID)
	if err != nil {
		return "", "", err
	}
	r.matter = m
	r.out.StageChangedAt = &before
	r.createdAfter = before.Add(-r.o.cfg.ClockSkew)
	return model.StepStatusSuccess, fmt.Sprintf("Matter moved to stage %q", stage.Name), nil
}

func (r *run) targetStage(ctx context.Context) (*clio.MatterStage, error) {
	var practiceArea int64
	if r.matter != nil && r.matter.PracticeArea != nil {
		practiceArea = r.matter.PracticeArea.ID
	}
	stages, err := r.o.crm.ListMatterStages(ctx, practiceArea)
	if err != nil {
		return nil, err
	}
	for i := range stages {
		if strings.EqualFold(strings.TrimSpace(stages[i].Name), r.o.cfg.TargetStage) {
			return &stages[i], nil
		}
	}
	return nil, model.WithReason(model.ReasonConfigurationDefect,
		eris.Errorf("pipeline: matter stage %q not found", r.o.cfg.TargetStage))
}

// awaitDocument waits for the retainer the stage change generated.
//
// Read-only. The poll honours cancellation of ctx.
func (r *run) awaitDocument(ctx context.Context) (model.StepStatus, string, error) {
	opts := []clio.PollOption{
		clio.WithPollInterval(r.o.cfg.PollInitial),
		clio.WithPollCap(r.o.cfg.PollCap),
		clio.WithMaxPolls(r.o.cfg.PollMaxAttempts),
	}
	if r.o.cfg.DocumentName != "" {
		opts = append(opts, clio.WithNameContains(r.o.cfg.DocumentName))
	}
	doc, err := clio.WaitForDocument(ctx, r.o.crm, r.req.Matter.MatterID, r.createdAfter, r.o.cfg.DocumentTimeout, opts...)
	if err != nil {
		return "", "", err
	}
	r.document = doc
	ref := &model.DocumentRef{
		ID:        doc.ID,
		Name:      doc.Name,
		CreatedAt: doc.CreatedAt.UTC().Format(time.RFC3339),
	}
	if doc.LatestDocumentVersion != nil {
		ref.VersionID = doc.LatestDocumentVersion.ID
	}
	r.out.Document = ref
	return model.StepStatusSuccess, fmt.Sprintf("Document %q ready", doc.Name), nil
}

func (r *run) calendarSummary() string {
	plaintiff := partyName(r.req.Case.FirstParty(model.RolePlaintiff), "Unknown Client")
	defendant := partyName(r.req.Case.FirstParty(model.RoleDefendant), "Unknown Defendant")
	return fmt.Sprintf("%s - %s v %s", r.o.cfg.CalendarPrefix, plaintiff, defendant)
}

// createCalendarEntry puts the statute deadline on the attorney's calendar.
//
// Idempotent: an entry on the matter with the same summary is reused.
func (r *run) createCalendarEntry(ctx context.Context) (model.StepStatus, string, error) {
	mctx := context.WithoutCancel(ctx)
	summary := r.calendarSummary()

	entries, err := r.o.crm.ListCalendarEntries(mctx, r.req.Matter.MatterID)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		if e.Summary == summary {
			r.out.CalendarEntryID = e.ID
			return model.StepStatusSkipped, fmt.Sprintf("Reused calendar entry %d for %s", e.ID, r.out.StatuteDate), nil
		}
	}

	entry, err := r.o.crm.CreateCalendarEntry(mctx, clio.CalendarEntryRequest{
		Summary: summary,
		Description: fmt.Sprintf("Statute of limitations deadline. Accident on %s; police report %s.",
			r.accident.Format(model.DateLayout), orDash(r.req.Case.ReportNumber)),
		StartAt:     r.statute,
		EndAt:       r.statute.AddDate(0, 0, 1),
		AllDay:      true,
		MatterID:    r.req.Matter.MatterID,
		CalendarID:  r.calendarID,
		AttendeeIDs: []int64{r.attorneyID},
		// Negative disables; the gateway ignores non-positive values.
		ReminderDays: r.o.cfg.ReminderDays,
	})
	if err != nil {
		return "", "", err
	}
	r.out.CalendarEntryID = entry.ID
	return model.StepStatusSuccess, fmt.Sprintf("Calendar entry %d created for %s", entry.ID, r.out.StatuteDate), nil
}

// sendNotification emails the client with the retainer attached.
//
// At most once per matter and document: the ledger claim is taken before
// anything is sent and given back only when the send does not happen.
func (r *run) sendNotification(ctx context.Context) (model.StepStatus, string, error) {
	mctx := context.WithoutCancel(ctx)
	mode := DeliveryMode(r.o.now())
	r.out.DeliveryMode = mode
	key := DeliveryKey{MatterID: r.req.Matter.MatterID, DocumentID: r.document.ID}

	claimed, err := r.o.ledger.Claim(mctx, key, r.req.RunID)
	if err != nil {
		return "", "", eris.Wrap(err, fmt.Sprintf("pipeline: claim delivery %s", key))
	}
	if !claimed {
		return model.StepStatusSkipped, fmt.Sprintf("Email for document %d already sent", key.DocumentID), nil
	}

	to, err := r.deliver(mctx, mode)
	if err != nil {
		if relErr := r.o.ledger.Release(mctx, key); relErr != nil {
			r.log.Warn("pipeline: failed to release delivery claim",
				zap.String("key", key.String()),
				zap.Error(relErr),
			)
		}
		return "", "", err
	}
	return model.StepStatusSuccess, fmt.Sprintf("Email sent to %s (%s)", to, mode), nil
}

func (r *run) deliver(ctx context.Context, mode string) (string, error) {
	pdf, err := r.o.crm.DownloadDocument(ctx, r.document.ID)
	if err != nil {
		return "", err
	}
	msg, err := notify.Compose(notify.EmailData{
		To:                  r.req.Matter.ClientEmail,
		ClientName:          partyName(r.req.Case.FirstParty(model.RolePlaintiff), ""),
		AccidentDate:        r.accident,
		AccidentLocation:    r.req.Case.AccidentLocation,
		AccidentDescription: r.req.Case.AccidentDescription,
		BookingLink:         r.o.cfg.Booking.Link(mode),
		DeliveryMode:        mode,
		FirmName:            r.o.cfg.FirmName,
		Retainer:            pdf,
	})
	if err != nil {
		return "", model.WithReason(model.ReasonConfigurationDefect, err)
	}
	if err := r.o.sender.Send(ctx, msg); err != nil {
		return "", err
	}
	return msg.To, nil
}

func orDash(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return "-"
}
