package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsByLabel(t *testing.T) {
	recorder := NewRecorder()
	recorder.MessageSent("text")
	recorder.MessageSent("text")
	recorder.MessageSent("image")
	recorder.Conflict("duplicate_reaction")
	recorder.CacheInvalidated("send_message", 3)
	recorder.CacheInvalidated("send_message", 0)

	if value := testutil.ToFloat64(recorder.messagesSent.WithLabelValues("text")); value != 2 {
		t.Fatalf("expected 2 text messages, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.conflicts.WithLabelValues("duplicate_reaction")); value != 1 {
		t.Fatalf("expected 1 conflict, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.cacheInvalidations.WithLabelValues("send_message")); value != 3 {
		t.Fatalf("expected 3 invalidations, got %v", value)
	}
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var recorder *Recorder
	recorder.MessageSent("text")
	recorder.CrewTransition("accepted")
	recorder.RealtimeEvent("delivered")
	if recorder.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	recorder := NewRecorder()
	recorder.CrewTransition("requested")

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), `citycrew_crew_transitions_total{transition="requested"} 1`) {
		t.Fatalf("expected crew transition counter in output")
	}
}
