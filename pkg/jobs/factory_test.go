package jobs_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/kjobs/pkg/configs"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/jobs"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestBuild(t *testing.T) {
	ctx := context.Background()

	templates := func(t *testing.T) string {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(echoTemplate), 0644); err != nil {
			t.Fatal(err)
		}
		return dir
	}
	config := func(t *testing.T, src string) *configs.Config {
		conf, err := configs.Unmarshal([]byte(src), func(string) string { return "" })
		if err != nil {
			t.Fatal(err)
		}
		return conf
	}

	t.Run("it builds a manager with definitions in a directory", func(t *testing.T) {
		dir := templates(t)
		conf := config(t, fmt.Sprintf(`
signature: my-app
namespace: jobs
definitions:
  root: %s
  bindings:
    - definition: echo
      queue: echo-q
`, dir))
		clientset := fake.NewSimpleClientset()

		testee, holder, err := jobs.Build(ctx, conf, k8s.WrapK8sClient(clientset))
		if err != nil {
			t.Fatal(err)
		}

		d, err := holder.Resolve("echo")
		if err != nil {
			t.Fatal(err)
		}
		if d.Queue != "echo-q" || d.Admission != definitions.Both {
			t.Errorf("definition = %+v", d)
		}

		j, err := testee.Submit(ctx, "echo", map[string]string{"MESSAGE": "hi"})
		if err != nil {
			t.Fatal(err)
		}
		if j.Namespace() != "jobs" || j.Signature() != "my-app" {
			t.Errorf("job = %s/%s signed by %s", j.Namespace(), j.Name(), j.Signature())
		}
	})

	t.Run("it builds a manager with definitions in a configmap", func(t *testing.T) {
		conf := config(t, `
signature: my-app
namespace: jobs
definitions:
  configMap: templates
`)
		clientset := fake.NewSimpleClientset(&kubecore.ConfigMap{
			ObjectMeta: kubeapimeta.ObjectMeta{Name: "templates", Namespace: "jobs"},
			Data:       map[string]string{"echo": echoTemplate, "other": echoTemplate},
		})

		_, holder, err := jobs.Build(ctx, conf, k8s.WrapK8sClient(clientset))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"echo", "other"}, holder.Definitions()); diff != "" {
			t.Errorf("definitions (-want +got):\n%s", diff)
		}
	})

	t.Run("binding for unknown definition is a configuration error", func(t *testing.T) {
		conf := config(t, fmt.Sprintf(`
signature: my-app
definitions:
  root: %s
  bindings:
    - definition: missing
      queue: q
`, templates(t)))

		_, _, err := jobs.Build(ctx, conf, k8s.WrapK8sClient(fake.NewSimpleClientset()))
		if !xe.AsConfiguration(err) {
			t.Errorf("err = %v, want configuration error", err)
		}
	})

	t.Run("no definitions is a configuration error", func(t *testing.T) {
		conf := config(t, fmt.Sprintf("signature: my-app\ndefinitions: {root: %s}\n", t.TempDir()))
		_, _, err := jobs.Build(ctx, conf, k8s.WrapK8sClient(fake.NewSimpleClientset()))
		if !xe.AsConfiguration(err) {
			t.Errorf("err = %v, want configuration error", err)
		}
	})

	t.Run("signature which is not a label value is a configuration error", func(t *testing.T) {
		conf := config(t, fmt.Sprintf("signature: not/valid\ndefinitions: {root: %s}\n", templates(t)))
		_, _, err := jobs.Build(ctx, conf, k8s.WrapK8sClient(fake.NewSimpleClientset()))
		if !xe.AsConfiguration(err) {
			t.Errorf("err = %v, want configuration error", err)
		}
	})
}
