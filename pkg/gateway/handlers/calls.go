package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
)

// CallsHandler serves a diagnostic view of live and recently ended calls.
// It exposes identifiers and counters only, never audio or dialogue text.
type CallsHandler struct {
	Registry *sessions.Registry
}

func (h CallsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, core.ErrInvalidRequest, "method_not_allowed", "method not allowed")
		return
	}
	type callsResp struct {
		Active []sessions.Summary `json:"active"`
		Recent []sessions.Summary `json:"recent"`
	}
	resp := callsResp{
		Active: h.Registry.Snapshot(),
		Recent: h.Registry.Recent(),
	}
	if resp.Active == nil {
		resp.Active = []sessions.Summary{}
	}
	if resp.Recent == nil {
		resp.Recent = []sessions.Summary{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}
