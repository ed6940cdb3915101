package definitions_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/template"
)

const jobTemplate = `
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

func mustTemplate(t *testing.T) *template.Template {
	t.Helper()
	tpl, err := template.Parse([]byte(jobTemplate))
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}

func TestRegistry_Register(t *testing.T) {
	type When struct {
		name    string
		options []definitions.Option
	}
	type Then struct {
		err       bool
		queue     string
		admission definitions.Admission
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			testee := definitions.NewRegistry()
			err := testee.Register(when.name, mustTemplate(t), when.options...)
			if then.err {
				if !xe.AsConfiguration(err) {
					t.Errorf("err = %v, want configuration error", err)
				}
				if 0 < len(testee.Definitions()) {
					t.Errorf("broken definition is registered: %v", testee.Definitions())
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			d, err := testee.Resolve(when.name)
			if err != nil {
				t.Fatal(err)
			}
			if d.Name != when.name || d.Queue != then.queue || d.Admission != then.admission {
				t.Errorf("definition = %+v, want queue %q and admission %q", d, then.queue, then.admission)
			}
		}
	}

	t.Run("without queue, it spawns by default", theory(
		When{name: "echo"},
		Then{admission: definitions.SpawnOnly},
	))
	t.Run("with queue, it enqueues and spawns by default", theory(
		When{name: "echo", options: []definitions.Option{definitions.WithQueue("q")}},
		Then{queue: "q", admission: definitions.Both},
	))
	t.Run("with queue, admission can be enqueue only", theory(
		When{name: "echo", options: []definitions.Option{
			definitions.WithQueue("q"), definitions.WithAdmission(definitions.EnqueueOnly),
		}},
		Then{queue: "q", admission: definitions.EnqueueOnly},
	))
	t.Run("enqueue only without queue is an error", theory(
		When{name: "echo", options: []definitions.Option{definitions.WithAdmission(definitions.EnqueueOnly)}},
		Then{err: true},
	))
	t.Run("both without queue is an error", theory(
		When{name: "echo", options: []definitions.Option{definitions.WithAdmission(definitions.Both)}},
		Then{err: true},
	))
	t.Run("empty name is an error", theory(
		When{name: ""},
		Then{err: true},
	))
	t.Run("name which is not a label value is an error", theory(
		When{name: "echo/v1"},
		Then{err: true},
	))

	t.Run("duplicated name is an error", func(t *testing.T) {
		testee := definitions.NewRegistry()
		if err := testee.Register("echo", mustTemplate(t)); err != nil {
			t.Fatal(err)
		}
		if err := testee.Register("echo", mustTemplate(t)); !xe.AsConfiguration(err) {
			t.Errorf("err = %v, want configuration error", err)
		}
	})
}

func TestRegistry_Resolve(t *testing.T) {
	testee := definitions.NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		if err := testee.Register(n, mustTemplate(t)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("it keeps registration order", func(t *testing.T) {
		if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, testee.Definitions()); diff != "" {
			t.Errorf("definitions (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown name is not found", func(t *testing.T) {
		if _, err := testee.Resolve("missing"); !xe.AsNotFound(err) {
			t.Errorf("err = %v, want not found", err)
		}
	})

	t.Run("returned names are a copy", func(t *testing.T) {
		names := testee.Definitions()
		names[0] = "changed"
		if testee.Definitions()[0] != "zeta" {
			t.Error("registry is modified through returned names")
		}
	})
}

func TestRegistry_Bind(t *testing.T) {
	base := definitions.NewRegistry()
	for _, n := range []string{"echo", "sleep"} {
		if err := base.Register(n, mustTemplate(t)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("it applies bindings to a copy", func(t *testing.T) {
		bound, err := base.Bind([]definitions.Binding{
			{Definition: "echo", Queue: "echo-q"},
			{Definition: "sleep", Queue: "sleep-q", Admission: definitions.EnqueueOnly},
		})
		if err != nil {
			t.Fatal(err)
		}

		echo, _ := bound.Resolve("echo")
		if echo.Queue != "echo-q" || echo.Admission != definitions.Both {
			t.Errorf("echo = %+v", echo)
		}
		sleep, _ := bound.Resolve("sleep")
		if sleep.Queue != "sleep-q" || sleep.Admission != definitions.EnqueueOnly {
			t.Errorf("sleep = %+v", sleep)
		}

		original, _ := base.Resolve("echo")
		if original.Queue != "" || original.Admission != definitions.SpawnOnly {
			t.Errorf("original is modified: %+v", original)
		}
		if diff := cmp.Diff(base.Definitions(), bound.Definitions()); diff != "" {
			t.Errorf("definitions (-want +got):\n%s", diff)
		}
	})

	for name, bindings := range map[string][]definitions.Binding{
		"unknown definition": {{Definition: "missing", Queue: "q"}},
		"bound twice":        {{Definition: "echo", Queue: "q"}, {Definition: "echo", Queue: "r"}},
		"enqueue without queue": {
			{Definition: "echo", Admission: definitions.EnqueueOnly},
		},
	} {
		t.Run("it rejects "+name, func(t *testing.T) {
			if _, err := base.Bind(bindings); !xe.AsConfiguration(err) {
				t.Errorf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestParseAdmission(t *testing.T) {
	for in, want := range map[string]definitions.Admission{
		"":        "",
		"enqueue": definitions.EnqueueOnly,
		"Spawn":   definitions.SpawnOnly,
		" both ":  definitions.Both,
	} {
		got, err := definitions.ParseAdmission(in)
		if err != nil {
			t.Errorf("ParseAdmission(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAdmission(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := definitions.ParseAdmission("sometimes"); !xe.AsConfiguration(err) {
		t.Errorf("err = %v, want configuration error", err)
	}

	if !definitions.Both.Enqueues() || !definitions.Both.Spawns() {
		t.Error("both should enqueue and spawn")
	}
	if definitions.EnqueueOnly.Spawns() || definitions.SpawnOnly.Enqueues() {
		t.Error("single admissions should do one thing")
	}
}
