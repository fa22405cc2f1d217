package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/okian/kudos/internal/domain/types"
	"github.com/okian/kudos/pkg/metrics"
)

const maxEventBody = 1 << 20

// Policy decides which ingested events reach the engine. It belongs to the
// ingestion side, not to the engine.
type Policy struct {
	// ChecksOnEachRequest turns rule processing on. When off, events are
	// acknowledged and dropped.
	ChecksOnEachRequest bool

	// SkipEvents are event names acknowledged without processing.
	SkipEvents []string
}

// DefaultPolicy processes every event.
func DefaultPolicy() Policy {
	return Policy{ChecksOnEachRequest: true}
}

// Allows reports whether an event with this name should be processed.
func (p Policy) Allows(name string) bool {
	return p.ChecksOnEachRequest && !slices.Contains(p.SkipEvents, name)
}

// EventsHandler handles event requests.
type EventsHandler struct {
	deps   EventDependencies
	policy Policy

	// inflight holds event IDs whose first delivery has not finished yet.
	inflight sync.Map
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies, policy Policy) *EventsHandler {
	return &EventsHandler{deps: deps, policy: policy}
}

// HandlePostEvent handles POST /events requests. The event is processed
// inline and the committed change is returned.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"

	var req types.EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, WrapKind(op, ErrBadRequest, err))
		return
	}
	event := req.Event()

	if !h.policy.Allows(event.Name) {
		metrics.RecordEventProcessed(metrics.OutcomeSkipped)
		writeJSON(w, http.StatusAccepted, types.EventResponse{Status: types.StatusSkipped})
		return
	}

	// Until the first delivery of an ID settles, repeats get 409.
	if event.ID != "" {
		if _, busy := h.inflight.LoadOrStore(event.ID, struct{}{}); busy {
			writeError(w, http.StatusConflict, codeInProgress, NewKind(op, ErrInProgress))
			return
		}
		defer h.inflight.Delete(event.ID)
	}

	// Idempotency check - mark as seen first
	if h.deps.SeenAndRecord(r.Context(), event.ID) {
		writeJSON(w, http.StatusOK, types.EventResponse{Status: types.StatusDuplicate, Duplicate: true})
		return
	}

	change, err := h.deps.Process(r.Context(), event)
	if err != nil {
		// Let the client retry with the same ID.
		h.deps.Unrecord(r.Context(), event.ID)
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EventResponse{Status: types.StatusProcessed, Change: &change})
}
