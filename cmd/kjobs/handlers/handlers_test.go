package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
	"github.com/opst/kjobs/cmd/kjobs/handlers"
	httptestutil "github.com/opst/kjobs/internal/testutils/http"
	"github.com/opst/kjobs/pkg/admission"
	apidefs "github.com/opst/kjobs/pkg/api/types/definitions"
	apierr "github.com/opst/kjobs/pkg/api/types/errors"
	apijobs "github.com/opst/kjobs/pkg/api/types/jobs"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/jobs"
	jobsmock "github.com/opst/kjobs/pkg/jobs/mock"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/opst/kjobs/pkg/queue/memory"
	"github.com/opst/kjobs/pkg/signer"
	"github.com/opst/kjobs/pkg/template"
	"github.com/prometheus/client_golang/prometheus"
	kubebatch "k8s.io/api/batch/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const echoTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: echo
spec:
  template:
    spec:
      restartPolicy: Never
      containers:
        - name: main
          image: busybox
          command: ["echo", "{{ MESSAGE }}"]
`

func job(name string, def string, annotations map[string]string) jobs.Job {
	return jobs.Wrap(&kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:        name,
			Namespace:   "default",
			Annotations: annotations,
			Labels: map[string]string{
				signer.LabelManagedBy:  "my-app",
				signer.LabelDefinition: def,
			},
		},
	})
}

type fixture struct {
	e       *echo.Echo
	manager *jobsmock.MockManager
	broker  *memory.Broker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	tpl, err := template.Parse([]byte(echoTemplate))
	if err != nil {
		t.Fatal(err)
	}
	reg := definitions.NewRegistry()
	if err := reg.Register("echo", tpl, definitions.WithQueue("echo")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("spawn", tpl); err != nil {
		t.Fatal(err)
	}

	manager := jobsmock.NewMockManager()
	broker := memory.NewBroker(time.Minute)
	prom := prometheus.NewRegistry()
	mx := metrics.New(prom)

	e := echo.New()
	handlers.Routes{
		Admitter: admission.New(reg, manager, broker, admission.WithMetrics(mx)),
		Manager:  manager,
		Resolver: reg,
		Gatherer: prom,
	}.Register(e)
	return &fixture{e: e, manager: manager, broker: broker}
}

func TestAdmitHandler(t *testing.T) {
	errSubmit := xe.NewClusterAPI("create job", false, errors.New("forbidden"))

	type When struct {
		target      string
		body        string
		submitFails bool
	}
	type Then struct {
		status  int
		body    apijobs.Admitted
		missing []string
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			f := setup(t)
			f.manager.Impl.Submit = func(_ context.Context, def string, args map[string]string) (jobs.Job, error) {
				if when.submitFails {
					return jobs.Job{}, errSubmit
				}
				return job(def+"-0123", def, nil), nil
			}

			resp := httptestutil.Post(
				f.e, when.target, strings.NewReader(when.body),
				httptestutil.ContentType("application/json"),
			)
			if resp.Code != then.status {
				t.Fatalf("status = %d, want %d (%s)", resp.Code, then.status, resp.Body.String())
			}

			if then.missing != nil {
				actual := httptestutil.Decode[apierr.ErrorResponse](t, resp)
				if diff := cmp.Diff(then.missing, actual.Message.Missing); diff != "" {
					t.Errorf("missing (-want +got):\n%s", diff)
				}
				return
			}
			if resp.Code == http.StatusNotFound || resp.Code == http.StatusBadRequest {
				return
			}

			actual := httptestutil.Decode[apijobs.Admitted](t, resp)
			if actual.JobName != then.body.JobName {
				t.Errorf("jobName = %q, want %q", actual.JobName, then.body.JobName)
			}
			if (actual.MessageID != "") != (then.body.MessageID != "") {
				t.Errorf("messageId = %q", actual.MessageID)
			}
			if len(actual.Errors) != len(then.body.Errors) {
				t.Errorf("errors = %v", actual.Errors)
			}
			for k := range then.body.Errors {
				if _, ok := actual.Errors[k]; !ok {
					t.Errorf("errors = %v, want key %s", actual.Errors, k)
				}
			}
		}
	}

	t.Run("it admits a request", theory(
		When{target: "/api/jobs/echo", body: `{"MESSAGE": "hi"}`},
		Then{status: http.StatusCreated, body: apijobs.Admitted{JobName: "echo-0123", MessageID: "set"}},
	))
	t.Run("unknown definition is not found", theory(
		When{target: "/api/jobs/unknown", body: `{}`},
		Then{status: http.StatusNotFound},
	))
	t.Run("missing arguments are bad request", theory(
		When{target: "/api/jobs/echo", body: ``},
		Then{status: http.StatusBadRequest, missing: []string{"MESSAGE"}},
	))
	t.Run("broken body is bad request", theory(
		When{target: "/api/jobs/echo", body: `["MESSAGE"]`},
		Then{status: http.StatusBadRequest},
	))
	t.Run("partial success is multi-status", theory(
		When{target: "/api/jobs/echo", body: `{"MESSAGE": "hi"}`, submitFails: true},
		Then{
			status: http.StatusMultiStatus,
			body:   apijobs.Admitted{MessageID: "set", Errors: map[string]string{"submit": ""}},
		},
	))
	t.Run("failure of all actions is bad gateway", theory(
		When{target: "/api/jobs/spawn", body: `{"MESSAGE": "hi"}`, submitFails: true},
		Then{
			status: http.StatusBadGateway,
			body:   apijobs.Admitted{Errors: map[string]string{"submit": ""}},
		},
	))
}

func TestJobHandlers(t *testing.T) {
	t.Run("it lists jobs", func(t *testing.T) {
		f := setup(t)
		f.manager.Impl.List = func(_ context.Context, def string) ([]jobs.Job, error) {
			if def != "echo" {
				t.Errorf("definition = %q", def)
			}
			return []jobs.Job{
				job("echo-1", "echo", nil),
				job("echo-2", "echo", map[string]string{jobs.AnnotationDeletionTime: "1714564800"}),
			}, nil
		}

		resp := httptestutil.Get(f.e, "/api/jobs?definition=echo")
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		actual := httptestutil.Decode[[]apijobs.Summary](t, resp)
		if len(actual) != 2 || actual[0].Name != "echo-1" || actual[1].Name != "echo-2" {
			t.Fatalf("body = %+v", actual)
		}
		if actual[0].DeletionTime != nil {
			t.Errorf("deletion time of echo-1 = %s", actual[0].DeletionTime)
		}
		if actual[1].DeletionTime == nil || actual[1].DeletionTime.Time().Unix() != 1714564800 {
			t.Errorf("deletion time of echo-2 = %v", actual[1].DeletionTime)
		}
		if actual[0].Definition != "echo" || actual[0].Status != "Pending" {
			t.Errorf("echo-1 = %+v", actual[0])
		}
	})

	t.Run("it gets a job", func(t *testing.T) {
		f := setup(t)
		f.manager.Impl.Get = func(_ context.Context, name string) (jobs.Job, error) {
			return job(name, "echo", nil), nil
		}
		resp := httptestutil.Get(f.e, "/api/jobs/echo-1")
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		if actual := httptestutil.Decode[apijobs.Summary](t, resp); actual.Name != "echo-1" {
			t.Errorf("body = %+v", actual)
		}
	})

	t.Run("missing job is not found", func(t *testing.T) {
		f := setup(t)
		f.manager.Impl.Get = func(_ context.Context, name string) (jobs.Job, error) {
			return jobs.Job{}, xe.NewNotFound("job " + name)
		}
		if resp := httptestutil.Get(f.e, "/api/jobs/echo-1"); resp.Code != http.StatusNotFound {
			t.Errorf("status = %d", resp.Code)
		}
	})

	t.Run("cluster errors are bad gateway", func(t *testing.T) {
		f := setup(t)
		f.manager.Impl.List = func(context.Context, string) ([]jobs.Job, error) {
			return nil, xe.NewClusterAPI("list jobs", true, errors.New("timeout"))
		}
		if resp := httptestutil.Get(f.e, "/api/jobs"); resp.Code != http.StatusBadGateway {
			t.Errorf("status = %d", resp.Code)
		}
	})

	t.Run("it returns logs", func(t *testing.T) {
		f := setup(t)
		f.manager.Impl.Logs = func(_ context.Context, name string, tail int64) (string, error) {
			if name != "echo-1" || tail != 20 {
				t.Errorf("(name, tail) = (%s, %d)", name, tail)
			}
			return "Pod: echo-1-abc\nhi\n=======\n", nil
		}
		resp := httptestutil.Get(f.e, "/api/jobs/echo-1/log?tail=20")
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		if resp.Body.String() != "Pod: echo-1-abc\nhi\n=======\n" {
			t.Errorf("body = %q", resp.Body.String())
		}
	})

	t.Run("broken tail is bad request", func(t *testing.T) {
		f := setup(t)
		if resp := httptestutil.Get(f.e, "/api/jobs/echo-1/log?tail=many"); resp.Code != http.StatusBadRequest {
			t.Errorf("status = %d", resp.Code)
		}
		if f.manager.Called.Logs != 0 {
			t.Error("logs are read")
		}
	})
}

func TestOtherHandlers(t *testing.T) {
	t.Run("it lists definitions", func(t *testing.T) {
		f := setup(t)
		resp := httptestutil.Get(f.e, "/api/definitions")
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		expected := []apidefs.Detail{
			{Name: "echo", Queue: "echo", Admission: "both", Arguments: []string{"MESSAGE"}},
			{Name: "spawn", Admission: "spawn", Arguments: []string{"MESSAGE"}},
		}
		if diff := cmp.Diff(expected, httptestutil.Decode[[]apidefs.Detail](t, resp)); diff != "" {
			t.Errorf("definitions (-want +got):\n%s", diff)
		}
	})

	t.Run("healthcheck", func(t *testing.T) {
		f := setup(t)
		resp := httptestutil.Get(f.e, "/ops/healthcheck")
		if resp.Code != http.StatusOK || resp.Body.String() != "OK" {
			t.Errorf("(status, body) = (%d, %s)", resp.Code, resp.Body.String())
		}
	})

	t.Run("metrics", func(t *testing.T) {
		f := setup(t)
		httptestutil.Post(f.e, "/api/jobs/unknown", strings.NewReader("{}"))

		resp := httptestutil.Get(f.e, "/metrics")
		if resp.Code != http.StatusOK {
			t.Fatalf("status = %d", resp.Code)
		}
		if !strings.Contains(resp.Body.String(), `kjobs_admissions_total{definition="unknown",outcome="rejected"} 1`) {
			t.Errorf("metrics:\n%s", resp.Body.String())
		}
	})
}
