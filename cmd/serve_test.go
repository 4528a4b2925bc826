//go:build !integration

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-cli/internal/clio"
	"github.com/sells-group/intake-cli/internal/clio/cliotest"
	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/notify"
	"github.com/sells-group/intake-cli/internal/pipeline"
	"github.com/sells-group/intake-cli/internal/resilience"
	"github.com/sells-group/intake-cli/internal/store"
)

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

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type harness struct {
	crm     *cliotest.Server
	store   store.Store
	sender  *recordingSender
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	crm := cliotest.NewServer()
	t.Cleanup(crm.Close)
	crm.OnStageChange = func(s *cliotest.Server, stageID int64) {
		if stageID == 11 {
			s.AddDocumentLocked("Retainer Agreement.pdf", time.Now(), true)
		}
	}

	st, err := store.Open(context.Background(), store.Config{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "intake.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	creds := crm.Credentials()
	gw := clio.NewClient(creds,
		clio.WithBaseURL(crm.URL),
		clio.WithRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
	)
	sender := &recordingSender{}
	orch := pipeline.New(gw, sender, st, pipeline.Config{
		PollInitial:     time.Millisecond,
		PollCap:         5 * time.Millisecond,
		PollMaxAttempts: 20,
		DocumentTimeout: 2 * time.Second,
		ClockSkew:       time.Minute,
		FirmName:        "Doe & Partners",
		Booking: pipeline.BookingLinks{
			InOffice: "https://book.example.com/office",
			Virtual:  "https://book.example.com/virtual",
		},
		BaseURL: crm.URL,
	}, pipeline.WithRecorder(st))

	srv := newServer(orch, st, creds, filepath.Join(t.TempDir(), "tokens.yaml"))
	return &harness{
		crm:     crm,
		store:   st,
		sender:  sender,
		handler: srv.routes([]string{"http://localhost:5173"}),
	}
}

func (h *harness) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func approveBody(t *testing.T, matterID int64) []byte {
	t.Helper()
	req := approveRequest{
		RunID: "run-http-1",
		Extraction: model.CaseRecord{
			ReportNumber: "MV-2024-00123",
			AccidentDate: "2024-03-15",
			Parties: []model.Party{
				{
					Role:     model.Extracted[model.Role]{Value: model.RolePlaintiff},
					FullName: model.Extracted[string]{Value: "Jane Doe"},
				},
				{
					Role:     model.Extracted[model.Role]{Value: model.RoleDefendant},
					FullName: model.Extracted[string]{Value: "John Roe"},
				},
			},
		},
		MatterRef: model.MatterRef{MatterID: matterID, ClientEmail: "jane@example.com"},
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rec)["status"])
}

func TestApprove_RunsPipelineAndRecords(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/approve", approveBody(t, h.crm.MatterID))
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeBody[model.RunOutcome](t, rec)
	assert.True(t, out.Success, out.Error)
	assert.Equal(t, "run-http-1", out.RunID)
	assert.Equal(t, model.StepComplete, out.Step)
	assert.Equal(t, "2032-03-15", out.StatuteDate)
	require.NotNil(t, out.Document)
	assert.Equal(t, "Retainer Agreement.pdf", out.Document.Name)
	assert.Equal(t, 1, h.sender.count())

	rec = h.do(t, http.MethodGet, "/api/runs/run-http-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decodeBody[model.RunOutcome](t, rec)
	assert.True(t, stored.Success)
	assert.Len(t, stored.Steps, len(out.Steps))
}

func TestApprove_InvalidBody(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/approve", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", decodeBody[map[string]string](t, rec)["error"])
}

func TestApprove_FailedRunStillReturnsOutcome(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/approve", approveBody(t, 0))
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeBody[model.RunOutcome](t, rec)
	assert.False(t, out.Success)
	assert.Equal(t, model.ReasonInvalidRecord, out.Reason)
	assert.Equal(t, model.DispositionDoNotRetry, out.Retry)
	assert.Zero(t, h.crm.FieldWrites())
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestApproveStream(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/approve/stream", approveBody(t, h.crm.MatterID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)

	var steps []model.Step
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "progress", ev.name)
		var e model.Event
		require.NoError(t, json.Unmarshal([]byte(ev.data), &e))
		steps = append(steps, e.Step)
	}
	assert.Contains(t, steps, model.StepFieldsUpdated)
	assert.Contains(t, steps, model.StepNotificationSent)
	assert.Equal(t, model.StepComplete, steps[len(steps)-1])

	last := events[len(events)-1]
	assert.Equal(t, "outcome", last.name)
	var out model.RunOutcome
	require.NoError(t, json.Unmarshal([]byte(last.data), &out))
	assert.True(t, out.Success, out.Error)
}

func TestListRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	for i, o := range []model.RunOutcome{
		{RunID: "a", MatterID: 1, Step: model.StepComplete, Success: true},
		{RunID: "b", MatterID: 1, Step: model.StepFailed, FailedStep: model.StepDocumentReady, Reason: model.ReasonDocumentNotReady},
		{RunID: "c", MatterID: 2, Step: model.StepComplete, Success: true},
	} {
		o.StartedAt = base.Add(time.Duration(i) * time.Minute)
		o.FinishedAt = o.StartedAt.Add(time.Second)
		require.NoError(t, h.store.SaveOutcome(ctx, &o))
	}

	type listBody struct {
		Runs  []model.RunOutcome `json:"runs"`
		Count int                `json:"count"`
	}

	rec := h.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeBody[listBody](t, rec)
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, "c", all.Runs[0].RunID)

	rec = h.do(t, http.MethodGet, "/api/runs?matter_id=1&failed=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decodeBody[listBody](t, rec)
	require.Len(t, failed.Runs, 1)
	assert.Equal(t, "b", failed.Runs[0].RunID)

	rec = h.do(t, http.MethodGet, "/api/runs?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[listBody](t, rec)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, "b", page.Runs[0].RunID)
}

func TestListRuns_BadQuery(t *testing.T) {
	h := newHarness(t)
	for _, q := range []string{"matter_id=abc", "failed=maybe", "limit=-1", "offset=x"} {
		rec := h.do(t, http.MethodGet, "/api/runs?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRunStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, o := range []model.RunOutcome{
		{RunID: "a", MatterID: 1, Step: model.StepComplete, Success: true, StartedAt: now.Add(-time.Hour)},
		{RunID: "b", MatterID: 1, Step: model.StepFailed, Reason: model.ReasonDocumentNotReady,
			Retry: model.DispositionRetryLater, StartedAt: now.Add(-2 * time.Hour)},
		{RunID: "old", MatterID: 2, Step: model.StepFailed, Reason: model.ReasonInvalidField,
			Retry: model.DispositionDoNotRetry, StartedAt: now.Add(-72 * time.Hour)},
	} {
		o.FinishedAt = o.StartedAt.Add(time.Second)
		require.NoError(t, h.store.SaveOutcome(ctx, &o))
	}

	type statsBody struct {
		RunsTotal     int                         `json:"runs_total"`
		RunsFailed    int                         `json:"runs_failed"`
		ByReason      map[model.FailureReason]int `json:"by_reason"`
		LookbackHours int                         `json:"lookback_hours"`
	}

	rec := h.do(t, http.MethodGet, "/api/runs/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	day := decodeBody[statsBody](t, rec)
	assert.Equal(t, 2, day.RunsTotal)
	assert.Equal(t, 1, day.RunsFailed)
	assert.Equal(t, 1, day.ByReason[model.ReasonDocumentNotReady])
	assert.Equal(t, 24, day.LookbackHours)

	rec = h.do(t, http.MethodGet, "/api/runs/stats?hours=168", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	week := decodeBody[statsBody](t, rec)
	assert.Equal(t, 3, week.RunsTotal)
	assert.Equal(t, 1, week.ByReason[model.ReasonInvalidField])

	for _, q := range []string{"hours=0", "hours=abc"} {
		rec = h.do(t, http.MethodGet, "/api/runs/stats?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClioOAuthFlow(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/clio/auth", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	auth := decodeBody[map[string]string](t, rec)
	require.NotEmpty(t, auth["state"])
	u, err := url.Parse(auth["auth_url"])
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authorize", u.Path)
	assert.Equal(t, auth["state"], u.Query().Get("state"))
	assert.Equal(t, "client-id", u.Query().Get("client_id"))

	// Unknown state is rejected before any token call.
	rec = h.do(t, http.MethodGet, "/api/clio/callback?code=good-code&state=forged", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.crm.Calls(cliotest.RouteToken))

	rec = h.do(t, http.MethodGet, "/api/clio/callback?code=good-code&state="+auth["state"], nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", decodeBody[map[string]any](t, rec)["status"])

	// States are single use.
	rec = h.do(t, http.MethodGet, "/api/clio/callback?code=good-code&state="+auth["state"], nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/clio/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[authStatus](t, rec)
	assert.True(t, status.HasAccessToken)
	assert.True(t, status.HasRefreshToken)
}

func TestClioCallback_Errors(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/clio/callback?error=access_denied", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/clio/callback", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing authorization code", decodeBody[map[string]string](t, rec)["error"])

	state := decodeBody[map[string]string](t, h.do(t, http.MethodGet, "/api/clio/auth", nil))["state"]
	rec = h.do(t, http.MethodGet, "/api/clio/callback?code=bad-code&state="+state, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/approve", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/approve", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8000))
	assert.Equal(t, 8000, resolvePort(0, 8000))
	assert.Equal(t, 0, resolvePort(0, 0))
}

func TestStartServer_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newServer(nil, nil, nil, "").routes(nil)

	// Find a free port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	stopped := make(chan struct{})
	background := func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- startServer(ctx, handler, port, background)
	}()

	var ready bool
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err == nil {
			resp.Body.Close()
			ready = resp.StatusCode == http.StatusOK
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ready, "server did not become ready in time")

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	select {
	case <-stopped:
	default:
		t.Fatal("background task still running after shutdown")
	}
}
