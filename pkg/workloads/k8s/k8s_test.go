package k8s_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapierr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
)

func job(name string, labels map[string]string) *kubebatch.Job {
	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    labels,
		},
	}
}

func names(jobs []kubebatch.Job) []string {
	ns := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ns = append(ns, j.Name)
	}
	sort.Strings(ns)
	return ns
}

func TestJobClient_ListJobs(t *testing.T) {
	t.Run("it returns jobs matching the selector", func(t *testing.T) {
		clientset := fake.NewSimpleClientset(
			job("a", map[string]string{"managed-by": "me", "def": "echo"}),
			job("b", map[string]string{"managed-by": "me", "def": "sleep"}),
			job("c", map[string]string{"managed-by": "someone"}),
		)
		testee := k8s.WrapK8sClient(clientset)

		actual, err := testee.ListJobs(
			context.Background(), "default",
			k8s.LabelSelector{"managed-by": k8s.Eq("me")},
		)
		if err != nil {
			t.Fatal(err)
		}
		got := names(actual)
		if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
			t.Errorf("jobs (-want +got):\n%s", diff)
		}
	})

	t.Run("it follows continue tokens", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		calls := 0
		clientset.PrependReactor("list", "jobs", func(action ktesting.Action) (bool, runtime.Object, error) {
			calls += 1
			switch calls {
			case 1:
				return true, &kubebatch.JobList{
					ListMeta: kubeapimeta.ListMeta{Continue: "page-2"},
					Items:    []kubebatch.Job{*job("a", nil)},
				}, nil
			default:
				return true, &kubebatch.JobList{
					Items: []kubebatch.Job{*job("b", nil)},
				}, nil
			}
		})
		testee := k8s.WrapK8sClient(clientset)

		actual, err := testee.ListJobs(context.Background(), "default", k8s.LabelSelector{})
		if err != nil {
			t.Fatal(err)
		}
		if calls != 2 {
			t.Errorf("list is called %d times, want 2", calls)
		}
		if diff := cmp.Diff([]string{"a", "b"}, names(actual)); diff != "" {
			t.Errorf("jobs (-want +got):\n%s", diff)
		}
	})

	t.Run("it returns error from cluster", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		expected := kubeapierr.NewForbidden(schema.GroupResource{Group: "batch", Resource: "jobs"}, "", errors.New("no"))
		clientset.PrependReactor("list", "jobs", func(ktesting.Action) (bool, runtime.Object, error) {
			return true, nil, expected
		})
		testee := k8s.WrapK8sClient(clientset)

		if _, err := testee.ListJobs(context.Background(), "default", k8s.LabelSelector{}); !kubeapierr.IsForbidden(err) {
			t.Errorf("err = %v, want forbidden", err)
		}
	})
}

func TestJobClient_DeleteJob(t *testing.T) {
	t.Run("it deletes the job in foreground", func(t *testing.T) {
		clientset := fake.NewSimpleClientset(job("a", nil))
		var options kubeapimeta.DeleteOptions
		clientset.PrependReactor("delete", "jobs", func(action ktesting.Action) (bool, runtime.Object, error) {
			options = action.(ktesting.DeleteActionImpl).DeleteOptions
			return false, nil, nil
		})
		testee := k8s.WrapK8sClient(clientset)

		if err := testee.DeleteJob(context.Background(), "default", "a"); err != nil {
			t.Fatal(err)
		}
		if options.PropagationPolicy == nil || *options.PropagationPolicy != kubeapimeta.DeletePropagationForeground {
			t.Errorf("propagation policy = %v", options.PropagationPolicy)
		}
		if _, err := testee.GetJob(context.Background(), "default", "a"); !kubeapierr.IsNotFound(err) {
			t.Errorf("job still exists: err = %v", err)
		}
	})

	t.Run("it treats a missing job as deleted", func(t *testing.T) {
		testee := k8s.WrapK8sClient(fake.NewSimpleClientset())
		if err := testee.DeleteJob(context.Background(), "default", "missing"); err != nil {
			t.Errorf("err = %v, want nil", err)
		}
	})
}

func TestJobClient_Log(t *testing.T) {
	clientset := fake.NewSimpleClientset(&kubecore.Pod{
		ObjectMeta: kubeapimeta.ObjectMeta{Name: "pod-1", Namespace: "default"},
	})
	testee := k8s.WrapK8sClient(clientset)

	stream, err := testee.Log(context.Background(), "default", "pod-1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	content, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(content) == 0 {
		t.Error("log is empty")
	}
}

func TestIsTransient(t *testing.T) {
	gr := schema.GroupResource{Group: "batch", Resource: "jobs"}

	for name, testcase := range map[string]struct {
		when error
		then bool
	}{
		"nil":                {when: nil, then: false},
		"unauthorized":       {when: kubeapierr.NewUnauthorized("no"), then: false},
		"forbidden":          {when: kubeapierr.NewForbidden(gr, "a", errors.New("no")), then: false},
		"bad request":        {when: kubeapierr.NewBadRequest("no"), then: false},
		"invalid":            {when: kubeapierr.NewInvalid(schema.GroupKind{Group: "batch", Kind: "Job"}, "a", nil), then: false},
		"conflict":           {when: kubeapierr.NewConflict(gr, "a", errors.New("stale")), then: false},
		"server timeout":     {when: kubeapierr.NewServerTimeout(gr, "create", 1), then: true},
		"timeout":            {when: kubeapierr.NewTimeoutError("slow", 1), then: true},
		"too many requests":  {when: kubeapierr.NewTooManyRequests("slow down", 1), then: true},
		"internal error":     {when: kubeapierr.NewInternalError(errors.New("boom")), then: true},
		"unavailable":        {when: kubeapierr.NewServiceUnavailable("down"), then: true},
		"connection refused": {when: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), then: true},
		"net error":          {when: &net.OpError{Op: "dial", Err: errors.New("unreachable")}, then: true},
		"canceled":           {when: context.Canceled, then: false},
		"unknown":            {when: errors.New("something"), then: false},
	} {
		t.Run(name, func(t *testing.T) {
			if actual := k8s.IsTransient(when(testcase.when)); actual != testcase.then {
				t.Errorf("IsTransient(%v) = %v, want %v", testcase.when, actual, testcase.then)
			}
		})
	}
}

// wrap non-nil error, to confirm classification sees through wrappers.
func when(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("wrapped: %w", err)
}

func TestStatusOf(t *testing.T) {
	started := kubeapimeta.NewTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for name, testcase := range map[string]struct {
		when kubebatch.JobStatus
		then k8s.JobStatus
	}{
		"no pods started": {
			when: kubebatch.JobStatus{},
			then: k8s.Pending,
		},
		"active pods": {
			when: kubebatch.JobStatus{Active: 1, StartTime: &started},
			then: k8s.Running,
		},
		"completed": {
			when: kubebatch.JobStatus{
				StartTime: &started,
				Conditions: []kubebatch.JobCondition{
					{Type: kubebatch.JobComplete, Status: kubecore.ConditionTrue},
				},
			},
			then: k8s.Succeeded,
		},
		"failed": {
			when: kubebatch.JobStatus{
				StartTime: &started,
				Conditions: []kubebatch.JobCondition{
					{Type: kubebatch.JobFailed, Status: kubecore.ConditionTrue},
				},
			},
			then: k8s.Failed,
		},
		"condition not true yet": {
			when: kubebatch.JobStatus{
				Active:    1,
				StartTime: &started,
				Conditions: []kubebatch.JobCondition{
					{Type: kubebatch.JobComplete, Status: kubecore.ConditionFalse},
				},
			},
			then: k8s.Running,
		},
	} {
		t.Run(name, func(t *testing.T) {
			j := job("a", nil)
			j.Status = testcase.when
			actual := k8s.StatusOf(j)
			if actual != testcase.then {
				t.Errorf("status = %s, want %s", actual, testcase.then)
			}
			if actual.Terminal() != (testcase.then == k8s.Succeeded || testcase.then == k8s.Failed) {
				t.Errorf("Terminal() = %v for %s", actual.Terminal(), actual)
			}
		})
	}
}
