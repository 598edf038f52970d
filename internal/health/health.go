// Package health provides the HTTP probe handlers served on the metrics
// listener.
//
//   - /healthz — liveness; always 200 while the process can serve HTTP.
//   - /readyz  — readiness; 200 only when every registered [Checker]
//     passes (in practice: the conversation channel is open).
//   - /statusz — a snapshot of the live conversation (turn state, id,
//     mute flag) for quick operator inspection.
//
// Responses are JSON with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil while the probed
// dependency is usable.
type Checker struct {
	// Name keys the check's result in the JSON response, e.g. "channel".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Status is the /statusz snapshot. Populated by the status function passed
// to [New]; zero-valued fields are omitted.
type Status struct {
	State          string `json:"state,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	AgentSpeaking  bool   `json:"agent_speaking,omitempty"`
	Muted          bool   `json:"muted,omitempty"`
}

// result is the JSON body for /healthz and /readyz.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list and status function are fixed at construction time.
type Handler struct {
	status   func() Status
	checkers []Checker
}

// New creates a [Handler]. status may be nil, in which case /statusz
// reports an empty snapshot. Checkers are evaluated sequentially per
// /readyz request, in the order given.
func New(status func() Status, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{status: status, checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes. Each
// check runs with a [checkTimeout] deadline derived from the request
// context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Statusz reports the current conversation snapshot.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	var s Status
	if h.status != nil {
		s = h.status()
	}
	writeJSON(w, http.StatusOK, s)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
