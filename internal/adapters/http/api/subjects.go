package api

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultActivityLimit = 20

// SubjectHandler serves per-subject reads.
type SubjectHandler struct {
	deps SubjectDependencies
}

// NewSubjectHandler creates a new subject handler.
func NewSubjectHandler(deps SubjectDependencies) *SubjectHandler {
	return &SubjectHandler{deps: deps}
}

// HandleGetSubject handles GET /subjects/{id}.
func (h *SubjectHandler) HandleGetSubject(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_subject"
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, NewKind(op, ErrBadRequest))
		return
	}
	sub, err := h.deps.Subject(r.Context(), id)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// HandleGetActivity handles GET /subjects/{id}/activity?limit=N.
func (h *SubjectHandler) HandleGetActivity(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_activity"
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, NewKind(op, ErrBadRequest))
		return
	}
	n := defaultActivityLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, codeBadRequest, NewKind(op, ErrBadRequest))
			return
		}
		n = v
	}
	changes, err := h.deps.Activity(r.Context(), id, n)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}
