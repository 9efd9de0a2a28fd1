package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func scrape(t *testing.T) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", recorder.Code)
	}
	return recorder.Body.String()
}

func TestMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	expected := `collab_http_requests_total{method="GET",path="/healthz",status="204"} 1`
	if body := scrape(t); !strings.Contains(body, expected) {
		t.Fatalf("expected %s in metrics output", expected)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	PersistCycle("text", "persisted", 10*time.Millisecond)
	StreamMaintained(1, 2)

	body := scrape(t)
	for _, name := range []string{"collab_persist_cycles_total", "collab_stream_trimmed_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}
