package echoutil_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/opst/kjobs/pkg/echoutil"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseLevel(t *testing.T) {
	for given, expected := range map[string]log.Lvl{
		"debug": log.DEBUG,
		"INFO":  log.INFO,
		"warn":  log.WARN,
		"":      log.WARN,
		"error": log.ERROR,
		"off":   log.OFF,
	} {
		t.Run(given, func(t *testing.T) {
			actual, err := echoutil.ParseLevel(given)
			if err != nil {
				t.Fatal(err)
			}
			if actual != expected {
				t.Errorf("level = %v, want %v", actual, expected)
			}
		})
	}

	t.Run("unknown level", func(t *testing.T) {
		if _, err := echoutil.ParseLevel("verbose"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestMiddlewares(t *testing.T) {
	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)

	e := echo.New()
	echoutil.SetLevel(e, "off")
	e.Use(echoutil.LogHandlerFunc, echoutil.Metrics(mx))
	e.GET("/items/:name", func(c echo.Context) error {
		if c.Param("name") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return c.String(http.StatusOK, c.Param("name"))
	})

	for _, name := range []string{"a", "b", "missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+name, nil))
	}

	expected := `
# HELP kjobs_http_requests_total HTTP requests, by method, route and status code.
# TYPE kjobs_http_requests_total counter
kjobs_http_requests_total{code="200",method="GET",route="/items/:name"} 2
kjobs_http_requests_total{code="404",method="GET",route="/items/:name"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "kjobs_http_requests_total"); err != nil {
		t.Error(err)
	}
}
