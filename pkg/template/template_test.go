package template_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/template"
)

const echoJob = `
apiVersion: batch/v1
kind: Job
metadata:
  name: echo
spec:
  parallelism: !!int "{{ PARALLELISM }}"
  backoffLimit: 0
  template:
    spec:
      restartPolicy: Never
      containers:
        - name: main
          image: "busybox:{{ TAG }}"
          command: ["echo", "{{ MESSAGE }}", "{{MESSAGE}}"]
`

func mustParse(t *testing.T, src string) *template.Template {
	t.Helper()
	tpl, err := template.Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}

func TestParse(t *testing.T) {
	t.Run("it lists placeholders, sorted and unique", func(t *testing.T) {
		tpl := mustParse(t, echoJob)
		if diff := cmp.Diff([]string{"MESSAGE", "PARALLELISM", "TAG"}, tpl.Placeholders()); diff != "" {
			t.Errorf("placeholders (-want +got):\n%s", diff)
		}
	})

	for name, src := range map[string]string{
		"broken yaml":  "a: [",
		"empty":        "",
		"not mapping":  "- a\n- b\n",
		"scalar":       "hello",
		"bad int tag":  "a: !!int nope\n",
		"complex keys": "? [a, b]\n: c\n",
	} {
		t.Run("it rejects "+name, func(t *testing.T) {
			_, err := template.Parse([]byte(src))
			if !xe.AsConfiguration(err) {
				t.Errorf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestRender(t *testing.T) {
	type When struct {
		template string
		args     map[string]string
	}
	type Then struct {
		doc     map[string]any
		missing []string
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			tpl := mustParse(t, when.template)
			actual, err := tpl.Render(when.args)

			if then.missing != nil {
				tre, ok := xe.AsTemplateRender(err)
				if !ok {
					t.Fatalf("err = %v, want template render error", err)
				}
				if diff := cmp.Diff(then.missing, tre.Missing); diff != "" {
					t.Errorf("missing (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(then.doc, actual); diff != "" {
				t.Errorf("rendered (-want +got):\n%s", diff)
			}
		}
	}

	t.Run("it substitutes placeholders as text", theory(
		When{
			template: "greeting: \"hello, {{ NAME }}!\"\nlist: [\"{{ NAME }}\", plain]\n",
			args:     map[string]string{"NAME": "world"},
		},
		Then{doc: map[string]any{
			"greeting": "hello, world!",
			"list":     []any{"world", "plain"},
		}},
	))

	t.Run("it keeps types of scalars without placeholders", theory(
		When{
			template: "i: 3\nf: 1.5\nb: true\nn: null\ns: \"3\"\n",
			args:     map[string]string{},
		},
		Then{doc: map[string]any{
			"i": int64(3), "f": 1.5, "b": true, "n": nil, "s": "3",
		}},
	))

	t.Run("it converts tagged values after substitution", theory(
		When{
			template: "i: !!int \"{{ N }}\"\nb: !!bool \"{{ B }}\"\nf: !!float \"{{ F }}\"\n",
			args:     map[string]string{"N": "42", "B": "false", "F": "0.25"},
		},
		Then{doc: map[string]any{"i": int64(42), "b": false, "f": 0.25}},
	))

	t.Run("it does not interpret untagged values", theory(
		When{
			template: "v: \"{{ V }}\"\n",
			args:     map[string]string{"V": "42"},
		},
		Then{doc: map[string]any{"v": "42"}},
	))

	t.Run("it substitutes placeholders in keys", theory(
		When{
			template: "\"{{ K }}\": v\n",
			args:     map[string]string{"K": "key"},
		},
		Then{doc: map[string]any{"key": "v"}},
	))

	t.Run("it ignores extra arguments", theory(
		When{
			template: "a: \"{{ A }}\"\n",
			args:     map[string]string{"A": "1", "UNUSED": "2"},
		},
		Then{doc: map[string]any{"a": "1"}},
	))

	t.Run("it accepts empty values", theory(
		When{
			template: "a: \"[{{ A }}]\"\n",
			args:     map[string]string{"A": ""},
		},
		Then{doc: map[string]any{"a": "[]"}},
	))

	t.Run("it reports every missing placeholder", theory(
		When{
			template: "a: \"{{ A }}\"\nb: [\"{{ B }}\", \"{{ A }}\"]\nc: !!int \"{{ C }}\"\nd: \"{{ D }}\"\n",
			args:     map[string]string{"D": "given"},
		},
		Then{missing: []string{"A", "B", "C"}},
	))

	t.Run("it resolves aliases", theory(
		When{
			template: "base: &b \"{{ X }}\"\ncopy: *b\n",
			args:     map[string]string{"X": "x"},
		},
		Then{doc: map[string]any{"base": "x", "copy": "x"}},
	))

	t.Run("tagged value which does not fit is a render error", func(t *testing.T) {
		tpl := mustParse(t, "i: !!int \"{{ N }}\"\n")
		_, err := tpl.Render(map[string]string{"N": "many"})
		tre, ok := xe.AsTemplateRender(err)
		if !ok {
			t.Fatalf("err = %v, want template render error", err)
		}
		if len(tre.Missing) != 0 {
			t.Errorf("missing = %v, want none", tre.Missing)
		}
	})
}

func TestRenderJob(t *testing.T) {
	t.Run("it renders a Job", func(t *testing.T) {
		tpl := mustParse(t, echoJob)
		job, err := tpl.RenderJob(map[string]string{
			"PARALLELISM": "2", "TAG": "1.36", "MESSAGE": "hi",
		})
		if err != nil {
			t.Fatal(err)
		}

		if job.Name != "echo" {
			t.Errorf("name = %s", job.Name)
		}
		if job.Spec.Parallelism == nil || *job.Spec.Parallelism != 2 {
			t.Errorf("parallelism = %v", job.Spec.Parallelism)
		}
		if job.Spec.BackoffLimit == nil || *job.Spec.BackoffLimit != 0 {
			t.Errorf("backoffLimit = %v", job.Spec.BackoffLimit)
		}
		containers := job.Spec.Template.Spec.Containers
		if len(containers) != 1 {
			t.Fatalf("containers = %v", containers)
		}
		if containers[0].Image != "busybox:1.36" {
			t.Errorf("image = %s", containers[0].Image)
		}
		if diff := cmp.Diff([]string{"echo", "hi", "hi"}, containers[0].Command); diff != "" {
			t.Errorf("command (-want +got):\n%s", diff)
		}
	})

	t.Run("it rejects documents other than Job", func(t *testing.T) {
		tpl := mustParse(t, "apiVersion: v1\nkind: Pod\nmetadata:\n  name: p\n")
		if _, err := tpl.RenderJob(map[string]string{}); !isRenderError(err) {
			t.Errorf("err = %v, want template render error", err)
		}
	})

	t.Run("it rejects missing arguments", func(t *testing.T) {
		tpl := mustParse(t, echoJob)
		_, err := tpl.RenderJob(map[string]string{"TAG": "latest"})
		tre, ok := xe.AsTemplateRender(err)
		if !ok {
			t.Fatalf("err = %v, want template render error", err)
		}
		if diff := cmp.Diff([]string{"MESSAGE", "PARALLELISM"}, tre.Missing); diff != "" {
			t.Errorf("missing (-want +got):\n%s", diff)
		}
	})
}

func isRenderError(err error) bool {
	_, ok := xe.AsTemplateRender(err)
	return ok
}
