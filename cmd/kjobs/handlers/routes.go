package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/opst/kjobs/pkg/definitions"
	"github.com/opst/kjobs/pkg/jobs"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type Routes struct {
	Admitter Admitter
	Manager  jobs.Manager
	Resolver definitions.Resolver
	Gatherer prometheus.Gatherer
}

// Register registers all routes on e.
func (r Routes) Register(e *echo.Echo) {
	e.POST("/api/jobs/:definition", AdmitHandler(r.Admitter, "definition"))
	e.GET("/api/jobs", ListJobsHandler(r.Manager))
	e.GET("/api/jobs/:name", GetJobHandler(r.Manager, "name"))
	e.GET("/api/jobs/:name/log", GetLogHandler(r.Manager, "name"))
	e.GET("/api/definitions", ListDefinitionsHandler(r.Resolver))

	e.GET("/ops/healthcheck", HealthcheckHandler())
	if r.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(r.Gatherer)))
	}
}
