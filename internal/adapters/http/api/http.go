// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/kudos/internal/adapters/ledger"
	"github.com/okian/kudos/internal/domain/dedupe"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/internal/domain/types"
	"github.com/okian/kudos/internal/engine"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	EventDependencies
	SubjectDependencies
	LeaderboardDependencies
	RulesDependencies
	ReadinessProvider
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	eventsHandler      *EventsHandler
	subjectHandler     *SubjectHandler
	leaderboardHandler *LeaderboardHandler
	rulesHandler       *RulesHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, policy Policy, maxLimit int) *Server {
	return &Server{
		healthHandler:      NewHealthHandler(deps),
		statsHandler:       NewStatsHandler(deps),
		eventsHandler:      NewEventsHandler(deps, policy),
		subjectHandler:     NewSubjectHandler(deps),
		leaderboardHandler: NewLeaderboardHandler(deps, maxLimit),
		rulesHandler:       NewRulesHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /readyz", MetricsMiddleware(s.healthHandler.HandleReady, "readyz"))
	mux.Handle("GET /metrics", s.healthHandler.MetricsHandler())
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("POST /events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events"))
	mux.HandleFunc("GET /subjects/{id}", MetricsMiddleware(s.subjectHandler.HandleGetSubject, "subject"))
	mux.HandleFunc("GET /subjects/{id}/activity", MetricsMiddleware(s.subjectHandler.HandleGetActivity, "activity"))
	mux.HandleFunc("GET /leaderboard", MetricsMiddleware(s.leaderboardHandler.HandleGetLeaderboard, "leaderboard"))
	mux.HandleFunc("GET /rules", MetricsMiddleware(s.rulesHandler.HandleListRules, "rules"))
	mux.HandleFunc("GET /badges/{name}", MetricsMiddleware(s.rulesHandler.HandleGetBadge, "badge"))
}

// EventDependencies defines what POST /events needs.
type EventDependencies interface {
	dedupe.Deduper
	Process(ctx context.Context, event model.Event) (model.CommittedChange, error)
}

// SubjectDependencies defines the per-subject reads.
type SubjectDependencies interface {
	Subject(ctx context.Context, subjectID string) (types.Subject, error)
	Activity(ctx context.Context, subjectID string, n int) ([]model.CommittedChange, error)
}

// LeaderboardDependencies defines the interface for leaderboard operations.
type LeaderboardDependencies interface {
	TopN(ctx context.Context, n int) ([]types.LeaderboardEntry, error)
}

// RulesDependencies describes the loaded rules.
type RulesDependencies interface {
	Rules(ctx context.Context) ([]types.Rule, error)
	Badge(ctx context.Context, name string) (types.Rule, error)
}

// ReadinessProvider reports whether events are accepted.
type ReadinessProvider interface {
	IsReady() bool
}

// Codes carried in errorResponse.Code.
const (
	codeBadRequest    = "bad_request"
	codeLimitExceeded = "limit_exceeded"
	codeNotFound      = "not_found"
	codeNotReady      = "not_ready"
	codeConflict      = "conflict"
	codeInProgress    = "in_progress"
	codeInternal      = "internal_error"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	noteErrorCode(w, code)
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps engine and ledger errors to status codes.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, codeNotReady, WrapKind(op, ErrNotReady, err))
	case errors.Is(err, engine.ErrInvalidEvent),
		errors.Is(err, ledger.ErrInvalidSubject),
		errors.Is(err, ledger.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, codeBadRequest, WrapKind(op, ErrBadRequest, err))
	case errors.Is(err, engine.ErrRetriesExhausted):
		writeError(w, http.StatusConflict, codeConflict, WrapKind(op, ErrConflict, err))
	case errors.Is(err, rules.ErrBadgeNotFound),
		errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, WrapKind(op, ErrNotFound, err))
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, Wrap(op, err))
	}
}
