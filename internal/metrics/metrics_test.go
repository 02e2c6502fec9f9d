package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Envelopes.WithLabelValues("message").Inc()
	Connections.WithLabelValues("chat").Inc()
	defer Connections.WithLabelValues("chat").Dec()

	if got := testutil.ToFloat64(Connections.WithLabelValues("chat")); got < 1 {
		t.Fatalf("connections gauge = %v", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"marketchat_envelopes_total", "marketchat_connections"} {
		if !strings.Contains(body, name) {
			t.Fatalf("%s missing from /metrics output", name)
		}
	}
}
