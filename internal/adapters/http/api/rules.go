package api

import (
	"net/http"
	"strings"
)

// RulesHandler describes the loaded rules.
type RulesHandler struct {
	deps RulesDependencies
}

// NewRulesHandler creates a new rules handler.
func NewRulesHandler(deps RulesDependencies) *RulesHandler {
	return &RulesHandler{deps: deps}
}

// HandleListRules handles GET /rules.
func (h *RulesHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Rules(r.Context())
	if err != nil {
		writeDomainError(w, "api.list_rules", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGetBadge handles GET /badges/{name}.
func (h *RulesHandler) HandleGetBadge(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_badge"
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, NewKind(op, ErrBadRequest))
		return
	}
	badge, err := h.deps.Badge(r.Context(), name)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, badge)
}
