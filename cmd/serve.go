package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-cli/internal/clio"
	"github.com/sells-group/intake-cli/internal/config"
	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/monitoring"
	"github.com/sells-group/intake-cli/internal/pipeline"
	"github.com/sells-group/intake-cli/internal/store"
)

const (
	maxBodyBytes    = 1 << 20
	oauthStateTTL   = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the approval API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := newServer(env.Pipeline, env.Store, env.Credentials, cfg.Clio.TokenFile)

		var background []func(context.Context)
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(srv.stats, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			background = append(background, checker.Run)
		}
		return startServer(ctx, srv.routes(cfg.Server.CORSOrigins), resolvePort(servePort, cfg.Server.Port), background...)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort returns the flag port when set, otherwise the config port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is done, then shuts down
// gracefully. Background tasks run alongside and receive the same context.
func startServer(ctx context.Context, handler http.Handler, port int, background ...func(context.Context)) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
	})
	for _, fn := range background {
		g.Go(func() error {
			fn(gctx)
			return nil
		})
	}
	return g.Wait()
}

type runner interface {
	Run(ctx context.Context, req pipeline.Request, observe pipeline.Observer) *model.RunOutcome
}

type outcomeReader interface {
	GetOutcome(ctx context.Context, runID string) (*model.RunOutcome, error)
	ListOutcomes(ctx context.Context, filter store.OutcomeFilter) ([]model.RunOutcome, error)
}

type authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (clio.TokenState, error)
	State() clio.TokenState
}

// server holds the HTTP handlers' dependencies.
type server struct {
	pipeline  runner
	history   outcomeReader
	auth      authorizer
	tokenFile string
	stats     *monitoring.Collector
	// states holds issued OAuth anti-forgery states until the callback.
	states *cache.Cache
}

func newServer(p runner, h outcomeReader, a authorizer, tokenFile string) *server {
	s := &server{
		pipeline:  p,
		history:   h,
		auth:      a,
		tokenFile: tokenFile,
		states:    cache.New(oauthStateTTL, 2*oauthStateTTL),
	}
	if h != nil {
		s.stats = monitoring.NewCollector(h)
	}
	return s
}

func (s *server) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/approve", s.handleApprove)
		api.Post("/approve/stream", s.handleApproveStream)
		api.Get("/runs", s.handleListRuns)
		api.Get("/runs/stats", s.handleRunStats)
		api.Get("/runs/{id}", s.handleGetRun)

		api.Route("/clio", func(c chi.Router) {
			c.Get("/auth", s.handleAuth)
			c.Get("/callback", s.handleCallback)
			c.Get("/status", s.handleStatus)
		})
	})
	return r
}

func (s *server) decodeApprove(w http.ResponseWriter, r *http.Request) (approveRequest, bool) {
	var req approveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

// handleApprove runs the pipeline and returns the outcome. A failed run is
// still a 200; the outcome carries the reason and disposition.
func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeApprove(w, r)
	if !ok {
		return
	}
	zap.L().Info("approve request received",
		zap.String("report_number", req.Extraction.ReportNumber),
		zap.Int("parties", len(req.Extraction.Parties)),
		zap.Int64("matter_id", req.MatterID),
	)
	out := s.pipeline.Run(r.Context(), req.pipelineRequest(), nil)
	writeJSON(w, http.StatusOK, out)
}

// handleApproveStream runs the pipeline and streams progress as server-sent
// events: one "progress" event per transition, then a final "outcome".
func (s *server) handleApproveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	req, ok := s.decodeApprove(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			zap.L().Warn("stream: marshal event", zap.String("event", event), zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	out := s.pipeline.Run(r.Context(), req.pipelineRequest(), func(ev model.Event) {
		send("progress", ev)
	})
	send("outcome", out)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseOutcomeFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.history.ListOutcomes(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func parseOutcomeFilter(r *http.Request) (store.OutcomeFilter, error) {
	q := r.URL.Query()
	var f store.OutcomeFilter
	var err error
	if v := q.Get("matter_id"); v != "" {
		if f.MatterID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, eris.Errorf("invalid matter_id %q", v)
		}
	}
	if v := q.Get("failed"); v != "" {
		if f.FailedOnly, err = strconv.ParseBool(v); err != nil {
			return f, eris.Errorf("invalid failed %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, eris.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, eris.Errorf("invalid offset %q", v)
		}
	}
	return f, nil
}

func (s *server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hours %q", v))
			return
		}
		hours = n
	}
	snap, err := s.stats.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("run stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run stats failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.history.GetOutcome(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("get run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAuth issues an anti-forgery state and returns the authorization URL
// for the frontend to redirect to.
func (s *server) handleAuth(w http.ResponseWriter, _ *http.Request) {
	state := uuid.NewString()
	s.states.SetDefault(state, struct{}{})
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": s.auth.AuthCodeURL(state),
		"state":    state,
	})
}

func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		zap.L().Error("clio: oauth error", zap.String("error", e))
		writeError(w, http.StatusBadRequest, "oauth error: "+e)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}
	state := q.Get("state")
	if _, ok := s.states.Get(state); !ok {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}
	s.states.Delete(state)

	st, err := s.auth.Exchange(r.Context(), code)
	if err != nil {
		zap.L().Error("clio: token exchange failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "success",
		"message":              "OAuth tokens received and stored",
		"access_token_preview": maskToken(st.AccessToken),
		"expiry":               st.Expiry,
	})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newAuthStatus(config.ClioConfig{TokenFile: s.tokenFile}, s.auth.State()))
}

// requestLogger logs one line per request at a level chosen by status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.Int("status", ww.Status()),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case ww.Status() >= 500:
			zap.L().Error("http request", fields...)
		case ww.Status() >= 400:
			zap.L().Warn("http request", fields...)
		default:
			zap.L().Info("http request", fields...)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
