package k8s

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
)

// subset of k8s.Clientset which kjobs uses.
type JobClient interface {
	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)

	// UpdateJob replaces the job.
	//
	// The update is rejected with a Conflict error when the resourceVersion of the job is stale.
	UpdateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)

	// ListJobs returns all jobs matching the selector, following continue tokens.
	ListJobs(ctx context.Context, namespace string, selector LabelSelector) ([]kubebatch.Job, error)

	// DeleteJob deletes the job and its pods in foreground.
	//
	// Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, namespace string, name string) error

	FindPods(ctx context.Context, namespace string, selector LabelSelector) ([]kubecore.Pod, error)

	// Log returns log stream of the container in the pod.
	//
	// When tailLines is positive, only the last tailLines lines are streamed.
	// When container is empty, the only container of the pod is selected.
	Log(ctx context.Context, namespace string, podname string, container string, tailLines int64) (io.ReadCloser, error)

	GetConfigMap(ctx context.Context, namespace string, name string) (*kubecore.ConfigMap, error)
}

// page size for ListJobs.
const listChunkSize = 500

type k8sClient struct {
	client k8s.Interface
}

var _ JobClient = &k8sClient{}

func WrapK8sClient(c k8s.Interface) JobClient {
	return &k8sClient{client: c}
}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) UpdateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Update(ctx, job, kubeapimeta.UpdateOptions{})
}

func (k *k8sClient) ListJobs(ctx context.Context, namespace string, selector LabelSelector) ([]kubebatch.Job, error) {
	jobs := []kubebatch.Job{}
	cont := ""
	for {
		resp, err := k.client.BatchV1().Jobs(namespace).List(ctx, kubeapimeta.ListOptions{
			LabelSelector: selector.QueryString(),
			Limit:         listChunkSize,
			Continue:      cont,
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, resp.Items...)
		cont = resp.Continue
		if cont == "" {
			return jobs, nil
		}
	}
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	err := k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
	if kubeerr.IsNotFound(err) {
		return nil
	}
	return err
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, selector LabelSelector) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: selector.QueryString(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) Log(ctx context.Context, namespace string, podname string, container string, tailLines int64) (io.ReadCloser, error) {
	opts := &kubecore.PodLogOptions{Container: container}
	if 0 < tailLines {
		opts.TailLines = &tailLines
	}
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, opts).
		Stream(ctx)
}

func (k *k8sClient) GetConfigMap(ctx context.Context, namespace string, name string) (*kubecore.ConfigMap, error) {
	return k.client.CoreV1().ConfigMaps(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

// IsTransient reports whether err from the cluster API is worth retrying.
//
// Timeouts, throttling, server side failures and broken connections are transient.
// Authentication, authorization and validation failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch {
	case kubeerr.IsUnauthorized(err),
		kubeerr.IsForbidden(err),
		kubeerr.IsBadRequest(err),
		kubeerr.IsInvalid(err),
		kubeerr.IsNotFound(err),
		kubeerr.IsAlreadyExists(err),
		kubeerr.IsConflict(err):
		return false
	case kubeerr.IsServerTimeout(err),
		kubeerr.IsTimeout(err),
		kubeerr.IsTooManyRequests(err),
		kubeerr.IsInternalError(err),
		kubeerr.IsServiceUnavailable(err),
		kubeerr.IsUnexpectedServerError(err):
		return true
	}

	if status, ok := err.(kubeerr.APIStatus); ok || errors.As(err, &status) {
		return 500 <= status.Status().Code
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var neterr net.Error
	return errors.As(err, &neterr)
}

type JobStatus string

const (
	// no pods have been started.
	Pending JobStatus = "Pending"

	// at least one pod has started, and the job has not completed.
	Running JobStatus = "Running"

	// the job is succeeded.
	Succeeded JobStatus = "Succeeded"

	// the job is failed.
	Failed JobStatus = "Failed"
)

// Terminal reports whether the status never changes anymore.
func (s JobStatus) Terminal() bool {
	return s == Succeeded || s == Failed
}

// StatusOf tells how the job progresses, at least.
//
// This value is just a SNAPSHOT of the job passed.
func StatusOf(job *kubebatch.Job) JobStatus {
	for _, sc := range job.Status.Conditions {
		if sc.Status != kubecore.ConditionTrue {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete:
			return Succeeded
		case kubebatch.JobFailed:
			return Failed
		}
	}

	if 0 < job.Status.Active || job.Status.StartTime != nil {
		return Running
	}

	return Pending
}
