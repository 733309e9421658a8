package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CallLifecycle(t *testing.T) {
	m := New("")
	m.RecordCallStart()
	m.RecordCallStart()
	m.RecordCallEnd("stop", 90*time.Second)

	if got := testutil.ToFloat64(m.CallsActive); got != 1 {
		t.Fatalf("calls_active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("stop")); got != 1 {
		t.Fatalf("calls_total{stop}=%v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCallStart()
	m.RecordCallEnd("x", time.Second)
	m.RecordTurn("ok", "none", time.Second)
	m.RecordTokens("p", "m", 1, 2)
	m.RecordBargeIn()
	m.RecordSentence("completed", time.Millisecond)
	m.RecordSTTReopen()
	m.RecordAudio("inbound", 10)
	m.RecordDroppedFrame("bad_frame")
	m.RecordRejectedCall("at_capacity")
}

func TestMetrics_HandlerExposesNamespace(t *testing.T) {
	m := New("cb")
	m.RecordBargeIn()
	m.RecordAudio("inbound", 160)
	m.RecordTokens("openai", "gpt-4o-mini", 0, 5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	for _, want := range []string{
		"cb_barge_ins_total 1",
		`cb_audio_bytes_total{direction="inbound"} 160`,
		`cb_tokens_total{direction="output",model="gpt-4o-mini",provider="openai"} 5`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(string(body), `direction="input"`) {
		t.Fatalf("zero input tokens should not create a series")
	}
}
