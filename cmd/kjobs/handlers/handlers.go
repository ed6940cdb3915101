package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/opst/kjobs/pkg/admission"
	apidefs "github.com/opst/kjobs/pkg/api/types/definitions"
	apierr "github.com/opst/kjobs/pkg/api/types/errors"
	apijobs "github.com/opst/kjobs/pkg/api/types/jobs"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/jobs"
)

// default lines of logs returned.
const defaultTailLines = 100

type Admitter interface {
	Admit(ctx context.Context, definitionName string, args map[string]string) (admission.Result, error)
}

var _ Admitter = &admission.Coordinator{}

// clusterError converts errors from the manager.
func clusterError(err error) *echo.HTTPError {
	if xe.AsNotFound(err) {
		return apierr.NotFound("not found", err)
	}
	if _, ok := xe.AsClusterAPI(err); ok {
		return apierr.BadGateway("retry later, or ask your system admin.", err)
	}
	return apierr.InternalServerError(err)
}

// AdmitHandler accepts requests for the definition named by path parameter.
//
// The request body is a JSON object of template arguments. Empty body means no arguments.
func AdmitHandler(a Admitter, paramDefinition string) echo.HandlerFunc {
	return func(c echo.Context) error {
		args := map[string]string{}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return apierr.BadRequest("request body cannot be read", err)
		}
		if len(body) != 0 {
			if err := json.Unmarshal(body, &args); err != nil {
				return apierr.BadRequest("request body should be a JSON object of strings", err)
			}
		}

		result, err := a.Admit(c.Request().Context(), c.Param(paramDefinition), args)
		if err != nil {
			if xe.AsNotFound(err) {
				return apierr.NotFound("no such job definition", err)
			}
			if tre, ok := xe.AsTemplateRender(err); ok {
				return apierr.BadRequest(
					"arguments do not fit the job definition", err, apierr.WithMissing(tre.Missing...),
				)
			}
			if xe.AsConfiguration(err) {
				return apierr.InternalServerError(err)
			}

			resp := apijobs.ComposeAdmitted(result)
			return c.JSON(http.StatusBadGateway, resp)
		}

		status := http.StatusCreated
		if result.Partial() {
			status = http.StatusMultiStatus
		}
		return c.JSON(status, apijobs.ComposeAdmitted(result))
	}
}

// ListJobsHandler lists jobs, filtered by query "definition" if given.
func ListJobsHandler(m jobs.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		found, err := m.List(c.Request().Context(), c.QueryParam("definition"))
		if err != nil {
			return clusterError(err)
		}
		return c.JSON(http.StatusOK, apijobs.ComposeSummaries(found))
	}
}

func GetJobHandler(m jobs.Manager, paramName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		j, err := m.Get(c.Request().Context(), c.Param(paramName))
		if err != nil {
			return clusterError(err)
		}
		return c.JSON(http.StatusOK, apijobs.ComposeSummary(j))
	}
}

// GetLogHandler returns logs of pods of the job as text.
//
// Query "tail" limits lines of each pod.
func GetLogHandler(m jobs.Manager, paramName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		tail := int64(defaultTailLines)
		if q := c.QueryParam("tail"); q != "" {
			t, err := strconv.ParseInt(q, 10, 64)
			if err != nil || t <= 0 {
				return apierr.BadRequest(`"tail" should be a positive integer`, err)
			}
			tail = t
		}

		logs, err := m.Logs(c.Request().Context(), c.Param(paramName), tail)
		if err != nil {
			return clusterError(err)
		}
		return c.String(http.StatusOK, logs)
	}
}

func ListDefinitionsHandler(r definitions.Resolver) echo.HandlerFunc {
	return func(c echo.Context) error {
		names := r.Definitions()
		resp := make([]apidefs.Detail, 0, len(names))
		for _, name := range names {
			def, err := r.Resolve(name)
			if err != nil {
				// removed by reload meanwhile.
				continue
			}
			resp = append(resp, apidefs.ComposeDetail(def))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func HealthcheckHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	}
}
