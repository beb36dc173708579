package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	GatewayLatencySeconds.Reset()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/items/"+id, nil))
	}

	// three paths, one pattern
	if n := testutil.CollectAndCount(GatewayLatencySeconds); n != 1 {
		t.Fatalf("expected one series for the route pattern, got %d", n)
	}
}

func TestSemanticLookupsByResult(t *testing.T) {
	SemanticLookupsTotal.Reset()
	SemanticLookupsTotal.WithLabelValues("hit").Inc()
	SemanticLookupsTotal.WithLabelValues("miss").Add(2)

	if got := testutil.ToFloat64(SemanticLookupsTotal.WithLabelValues("miss")); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if n := testutil.CollectAndCount(SemanticLookupsTotal); n != 2 {
		t.Fatalf("expected 2 result series, got %d", n)
	}
}
