// Package cliotest provides an in-memory fake of the CRM API for tests.
package cliotest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/intake-cli/internal/clio"
)

// Route names accepted by Fail.
const (
	RouteToken        = "token"
	RouteWhoAmI       = "who_am_i"
	RouteGetMatter    = "get_matter"
	RoutePatchMatter  = "patch_matter"
	RouteStages       = "stages"
	RouteCustomFields = "custom_fields"
	RouteDocuments    = "documents"
	RouteDownload     = "download"
	RouteListEntries  = "list_entries"
	RouteCreateEntry  = "create_entry"
)

// Failure is a canned error response.
type Failure struct {
	Status     int
	Body       string
	RetryAfter string
}

type fieldValue struct {
	id    string
	value string
}

// Server is a fake CRM holding one matter.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	MatterID       int64
	PracticeAreaID int64
	StageID        int64
	etag           int
	values         map[int64]fieldValue
	nextValueID    int

	User      clio.User
	Fields    []clio.CustomField
	Stages    []clio.MatterStage
	Documents []clio.Document
	Entries   []clio.CalendarEntry
	// DocumentBody is returned by the download endpoint.
	DocumentBody []byte

	AccessToken  string
	RefreshToken string
	issued       int

	// PageSize splits custom field and document listings into pages when > 0.
	PageSize int

	// OnStageChange runs (under the server lock) after the matter's stage changes.
	OnStageChange func(s *Server, stageID int64)

	failures map[string][]Failure
	calls    map[string]int

	// effect counters
	fieldWrites  int
	stageChanges int
	refreshes    int
}

// NewServer starts a fake CRM with the standard custom fields, two stages,
// and a valid token pair "access-0"/"refresh-0".
func NewServer() *Server {
	s := &Server{
		MatterID:       1001,
		PracticeAreaID: 7,
		StageID:        10,
		etag:           1,
		values:         map[int64]fieldValue{},
		User:           clio.User{ID: 501, Name: "Avery Counsel", Email: "avery@example.com", DefaultCalendarID: 901},
		Stages: []clio.MatterStage{
			{ID: 10, Name: "Intake", PracticeArea: &clio.Ref{ID: 7}},
			{ID: 11, Name: "Data Verified", PracticeArea: &clio.Ref{ID: 7}},
		},
		DocumentBody: []byte("%PDF-1.4 retainer"),
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		failures:     map[string][]Failure{},
		calls:        map[string]int{},
	}
	for i, name := range clio.KnownFields {
		s.Fields = append(s.Fields, clio.CustomField{ID: int64(3000 + i), Name: name, FieldType: "text_line", ParentType: "Matter"})
	}

	r := chi.NewRouter()
	r.Post("/oauth/token", s.handleToken)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/api/v4/users/who_am_i.json", s.handleWhoAmI)
		r.Get("/api/v4/matters/{id}.json", s.handleGetMatter)
		r.Patch("/api/v4/matters/{id}.json", s.handlePatchMatter)
		r.Get("/api/v4/matter_stages.json", s.handleStages)
		r.Get("/api/v4/custom_fields.json", s.handleCustomFields)
		r.Get("/api/v4/documents.json", s.handleDocuments)
		r.Get("/api/v4/documents/{id}/download", s.handleDownload)
		r.Get("/api/v4/calendar_entries.json", s.handleListEntries)
		r.Post("/api/v4/calendar_entries.json", s.handleCreateEntry)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// Fail queues canned failures for the next calls to route.
func (s *Server) Fail(route string, failures ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], failures...)
}

// FailStatus queues bare status failures for route.
func (s *Server) FailStatus(route string, statuses ...int) {
	for _, st := range statuses {
		s.Fail(route, Failure{Status: st, Body: fmt.Sprintf(`{"error":{"message":"status %d"}}`, st)})
	}
}

// Calls returns how many requests reached route, including failed ones.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// FieldWrites counts PATCHes that changed at least one custom field value.
func (s *Server) FieldWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fieldWrites
}

// StageChanges counts PATCHes that changed the stage.
func (s *Server) StageChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageChanges
}

// Refreshes counts successful refresh-token grants.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Value returns the stored value of the named custom field.
func (s *Server) Value(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.Fields {
		if f.Name == name {
			return s.values[f.ID].value
		}
	}
	return ""
}

// CalendarEntries returns a copy of the stored entries.
func (s *Server) CalendarEntries() []clio.CalendarEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clio.CalendarEntry(nil), s.Entries...)
}

// AddDocument attaches a document to the matter. Call with the lock not held.
func (s *Server) AddDocument(name string, createdAt time.Time, uploaded bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDocumentLocked(name, createdAt, uploaded)
}

// AddDocumentLocked is AddDocument for use inside OnStageChange.
func (s *Server) AddDocumentLocked(name string, createdAt time.Time, uploaded bool) int64 {
	return s.addDocumentLocked(name, createdAt, uploaded)
}

func (s *Server) addDocumentLocked(name string, createdAt time.Time, uploaded bool) int64 {
	id := int64(7000 + len(s.Documents))
	s.Documents = append(s.Documents, clio.Document{
		ID:                    id,
		Name:                  name,
		CreatedAt:             createdAt,
		LatestDocumentVersion: &clio.DocumentVersion{ID: id * 10, FullyUploaded: uploaded},
	})
	return id
}

// RenumberField gives a custom field a new identifier, as if it were recreated.
func (s *Server) RenumberField(name string, newID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			s.Fields[i].ID = newID
		}
	}
}

// RemoveField deletes a custom field definition.
func (s *Server) RemoveField(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.Fields[:0]
	for _, f := range s.Fields {
		if f.Name != name {
			out = append(out, f)
		}
	}
	s.Fields = out
}

// Credentials returns a credential manager pointed at the fake token endpoint.
func (s *Server) Credentials(opts ...clio.CredentialOption) *clio.Credentials {
	s.mu.Lock()
	st := clio.TokenState{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken}
	s.mu.Unlock()
	return clio.NewCredentials(clio.OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/api/clio/callback",
		BaseURL:      s.URL,
	}, st, opts...)
}

// ExpireAccessToken makes the server reject the current access token.
func (s *Server) ExpireAccessToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AccessToken = fmt.Sprintf("revoked-%d", s.issued)
}

// takeFailure records a call to route and pops a queued failure. It must be
// called with the lock held.
func (s *Server) takeFailure(route string) *Failure {
	s.calls[route]++
	q := s.failures[route]
	if len(q) == 0 {
		return nil
	}
	f := q[0]
	s.failures[route] = q[1:]
	return &f
}

// begin locks the server and serves any queued failure for route. When it
// returns true the lock is still held and the handler must release it.
func (s *Server) begin(w http.ResponseWriter, route string) bool {
	s.mu.Lock()
	f := s.takeFailure(route)
	if f == nil {
		return true
	}
	s.mu.Unlock()
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.Status)
	_, _ = io.WriteString(w, f.Body)
	return false
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := r.Header.Get("Authorization") == "Bearer "+s.AccessToken
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"type": "Unauthorized", "message": "invalid token"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RouteToken) {
		return
	}
	defer s.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("client_id") != "client-id" || r.PostForm.Get("client_secret") != "client-secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != s.RefreshToken {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		s.refreshes++
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	s.issued++
	s.AccessToken = fmt.Sprintf("access-%d", s.issued)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  s.AccessToken,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": s.RefreshToken,
	})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, _ *http.Request) {
	if !s.begin(w, RouteWhoAmI) {
		return
	}
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": s.User})
}

func (s *Server) matterLocked() map[string]any {
	var cfvs []map[string]any
	for _, f := range s.Fields {
		v, ok := s.values[f.ID]
		if !ok {
			continue
		}
		cfvs = append(cfvs, map[string]any{"id": v.id, "value": v.value, "custom_field": map[string]any{"id": f.ID}})
	}
	var stage map[string]any
	for _, st := range s.Stages {
		if st.ID == s.StageID {
			stage = map[string]any{"id": st.ID, "name": st.Name}
		}
	}
	return map[string]any{
		"id":                  s.MatterID,
		"etag":                s.etagLocked(),
		"display_number":      fmt.Sprintf("%05d-Intake", s.MatterID),
		"matter_stage":        stage,
		"practice_area":       map[string]any{"id": s.PracticeAreaID},
		"custom_field_values": cfvs,
	}
}

func (s *Server) etagLocked() string {
	return fmt.Sprintf(`"%d"`, s.etag)
}

func (s *Server) handleGetMatter(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RouteGetMatter) {
		return
	}
	defer s.mu.Unlock()
	if !s.matterExistsLocked(w, r) {
		return
	}
	if r.URL.Query().Get("fields") == "" {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": s.MatterID, "etag": s.etagLocked()}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.matterLocked()})
}

func (s *Server) matterExistsLocked(w http.ResponseWriter, r *http.Request) bool {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if id != s.MatterID {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "matter not found"}})
		return false
	}
	return true
}

type patchBody struct {
	Data struct {
		CustomFieldValues []struct {
			ID          string `json:"id"`
			Value       string `json:"value"`
			CustomField struct {
				ID int64 `json:"id"`
			} `json:"custom_field"`
		} `json:"custom_field_values"`
		MatterStage *struct {
			ID int64 `json:"id"`
		} `json:"matter_stage"`
	} `json:"data"`
}

func (s *Server) handlePatchMatter(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RoutePatchMatter) {
		return
	}
	defer s.mu.Unlock()
	if !s.matterExistsLocked(w, r) {
		return
	}
	if r.Header.Get("If-Match") != s.etagLocked() {
		writeJSON(w, http.StatusPreconditionFailed, map[string]any{"error": map[string]string{"message": "etag mismatch"}})
		return
	}

	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": err.Error()}})
		return
	}

	known := map[int64]bool{}
	for _, f := range s.Fields {
		known[f.ID] = true
	}
	for _, v := range body.Data.CustomFieldValues {
		if !known[v.CustomField.ID] {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]string{
				"type":    "UnprocessableEntity",
				"message": fmt.Sprintf("Custom field %d could not be found", v.CustomField.ID),
			}})
			return
		}
	}

	changed := false
	for _, v := range body.Data.CustomFieldValues {
		cur, ok := s.values[v.CustomField.ID]
		if ok && cur.value == v.Value {
			continue
		}
		if !ok {
			s.nextValueID++
			cur.id = fmt.Sprintf("text_line-%d", s.nextValueID)
		}
		cur.value = v.Value
		s.values[v.CustomField.ID] = cur
		changed = true
	}
	if changed {
		s.fieldWrites++
	}

	if st := body.Data.MatterStage; st != nil && st.ID != s.StageID {
		s.StageID = st.ID
		s.stageChanges++
		changed = true
		if s.OnStageChange != nil {
			s.OnStageChange(s, st.ID)
		}
	}
	if changed {
		s.etag++
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.matterLocked()})
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	if !s.begin(w, RouteStages) {
		return
	}
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": s.Stages})
}

func (s *Server) handleCustomFields(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RouteCustomFields) {
		return
	}
	defer s.mu.Unlock()
	s.writePage(w, r, len(s.Fields), func(lo, hi int) any { return s.Fields[lo:hi] })
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RouteDocuments) {
		return
	}
	defer s.mu.Unlock()
	docs := append([]clio.Document(nil), s.Documents...)
	s.writePage(w, r, len(docs), func(lo, hi int) any { return docs[lo:hi] })
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, n int, slice func(lo, hi int) any) {
	lo, _ := strconv.Atoi(r.URL.Query().Get("page_token"))
	hi := n
	if s.PageSize > 0 && lo+s.PageSize < n {
		hi = lo + s.PageSize
	}
	if lo > n {
		lo = n
	}
	meta := map[string]any{}
	if hi < n {
		q := r.URL.Query()
		q.Set("page_token", strconv.Itoa(hi))
		meta["paging"] = map[string]string{"next": s.URL + r.URL.Path + "?" + q.Encode()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": slice(lo, hi), "meta": meta})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RouteDownload) {
		return
	}
	defer s.mu.Unlock()
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	for _, d := range s.Documents {
		if d.ID == id {
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(s.DocumentBody)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "document not found"}})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RouteListEntries) {
		return
	}
	defer s.mu.Unlock()
	matterID, _ := strconv.ParseInt(r.URL.Query().Get("matter_id"), 10, 64)
	var out []clio.CalendarEntry
	for _, e := range s.Entries {
		if e.Matter != nil && e.Matter.ID == matterID {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, RouteCreateEntry) {
		return
	}
	defer s.mu.Unlock()

	var body struct {
		Data struct {
			Summary       string          `json:"summary"`
			Description   string          `json:"description"`
			StartAt       time.Time       `json:"start_at"`
			EndAt         time.Time       `json:"end_at"`
			AllDay        bool            `json:"all_day"`
			Matter        clio.Ref        `json:"matter"`
			CalendarOwner *clio.Ref       `json:"calendar_owner"`
			Reminders     []clio.Reminder `json:"reminders"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": err.Error()}})
		return
	}
	if strings.TrimSpace(body.Data.Summary) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]string{"message": "summary can't be blank"}})
		return
	}
	m := body.Data.Matter
	e := clio.CalendarEntry{
		ID:            int64(8000 + len(s.Entries)),
		Summary:       body.Data.Summary,
		Description:   body.Data.Description,
		StartAt:       body.Data.StartAt,
		EndAt:         body.Data.EndAt,
		AllDay:        body.Data.AllDay,
		Matter:        &m,
		CalendarOwner: body.Data.CalendarOwner,
		Reminders:     body.Data.Reminders,
	}
	s.Entries = append(s.Entries, e)
	writeJSON(w, http.StatusCreated, map[string]any{"data": e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
