// Package server exposes the renewal trigger over HTTP for external schedulers.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/caasmo/certpilot"
)

// Runner is the part of the orchestrator the server drives.
type Runner interface {
	Run(ctx context.Context, opts certpilot.RunOptions) (*certpilot.RunOutcome, error)
	LastOutcome(ctx context.Context) (*certpilot.RunOutcome, error)
}

type Options struct {
	// Token is compared against the bearer token of trigger requests.
	Token string

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type handler struct {
	runner Runner
	token  []byte
	logger *slog.Logger
}

// NewRouter builds the HTTP surface:
//
//	POST /certificate/renew   run now (?dry_run=true, ?force=true)
//	GET  /certificate/status  last recorded outcome
//	GET  /health              liveness plus a summary of the last run
//	GET  /metrics
func NewRouter(runner Runner, opts Options, logger *slog.Logger) http.Handler {
	if runner == nil || logger == nil {
		panic("server.NewRouter: received nil runner or logger")
	}
	h := &handler{
		runner: runner,
		token:  []byte(opts.Token),
		logger: logger.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/certificate", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/renew", h.renew)
		r.Get("/status", h.status)
	})
	return r
}

func (h *handler) renew(w http.ResponseWriter, r *http.Request) {
	opts := certpilot.RunOptions{
		DryRun: queryBool(r, "dry_run"),
		Force:  queryBool(r, "force"),
	}

	// The run outlives a disconnecting caller; the orchestrator bounds it.
	outcome, err := h.runner.Run(context.WithoutCancel(r.Context()), opts)
	switch {
	case errors.Is(err, certpilot.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case err != nil && outcome == nil:
		h.logger.Error("renewal run failed to start", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, outcome)
	default:
		writeJSON(w, http.StatusOK, outcome)
	}
}

type healthBody struct {
	Status  string      `json:"status"`
	LastRun *runSummary `json:"last_run,omitempty"`
}

type runSummary struct {
	Status     certpilot.OutcomeStatus `json:"status"`
	FinishedAt time.Time               `json:"finished_at"`
	NotAfter   time.Time               `json:"not_after,omitzero"`
}

// health never fails on a history read error so that liveness checks stay green.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	last, err := h.runner.LastOutcome(r.Context())
	if err != nil {
		h.logger.Warn("health: failed to read last outcome", "error", err)
	}
	if last != nil {
		body.LastRun = &runSummary{Status: last.Status, FinishedAt: last.FinishedAt, NotAfter: last.NotAfter}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.runner.LastOutcome(r.Context())
	if err != nil {
		h.logger.Error("failed to read last outcome", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to read last outcome"})
		return
	}
	if outcome == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no run recorded yet"})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || len(h.token) == 0 || subtle.ConstantTimeCompare([]byte(got), h.token) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
