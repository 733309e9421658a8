package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
)

func TestCallsHandler_ListsActiveAndRecent(t *testing.T) {
	reg := sessions.NewRegistry(4, time.Minute)
	done := reg.Register("c_done", sessions.Handle{Snapshot: func() sessions.Summary {
		return sessions.Summary{ConnectionID: "c_done", State: "closed", EndReason: "stop"}
	}})
	done()
	live := reg.Register("c_live", sessions.Handle{Snapshot: func() sessions.Summary {
		return sessions.Summary{ConnectionID: "c_live", State: "active", Topic: "jazz history"}
	}})
	defer live()

	rr := httptest.NewRecorder()
	CallsHandler{Registry: reg}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/calls", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp struct {
		Active []sessions.Summary `json:"active"`
		Recent []sessions.Summary `json:"recent"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Active) != 1 || resp.Active[0].Topic != "jazz history" {
		t.Fatalf("active=%+v", resp.Active)
	}
	if len(resp.Recent) != 1 || resp.Recent[0].EndReason != "stop" {
		t.Fatalf("recent=%+v", resp.Recent)
	}
}

func TestCallsHandler_EmptyRegistry(t *testing.T) {
	rr := httptest.NewRecorder()
	CallsHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/calls", nil))
	if rr.Body.String() != "{\"active\":[],\"recent\":[]}\n" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}
