package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMessagesSentCountsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(MessagesSent.WithLabelValues("censored"))
	MessagesSent.WithLabelValues("censored").Inc()
	if got := testutil.ToFloat64(MessagesSent.WithLabelValues("censored")); got != before+1 {
		t.Fatalf("expected censored counter to grow by one, got %v -> %v", before, got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	WebsocketConnections.Set(3)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ofiz_realtime_connections 3") {
		t.Fatalf("expected connections gauge in output")
	}
}
