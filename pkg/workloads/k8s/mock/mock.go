package mock

import (
	"context"
	"errors"
	"io"

	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
)

type MockClient struct {
	Impl struct {
		CreateJob func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
		GetJob    func(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
		UpdateJob func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
		ListJobs  func(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubebatch.Job, error)
		DeleteJob func(ctx context.Context, namespace string, name string) error

		FindPods func(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubecore.Pod, error)
		Log      func(ctx context.Context, namespace string, pod string, container string, tailLines int64) (io.ReadCloser, error)

		GetConfigMap func(ctx context.Context, namespace string, name string) (*kubecore.ConfigMap, error)
	}
	Called struct {
		CreateJob uint64
		GetJob    uint64
		UpdateJob uint64
		ListJobs  uint64
		DeleteJob uint64

		FindPods uint64
		Log      uint64

		GetConfigMap uint64
	}
}

// MockClient implements k8s.JobClient
var _ k8s.JobClient = &MockClient{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	m.Called.CreateJob += 1
	if m.Impl.CreateJob == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.CreateJob(ctx, namespace, job)
}

func (m *MockClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	m.Called.GetJob += 1
	if m.Impl.GetJob == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.GetJob(ctx, namespace, name)
}

func (m *MockClient) UpdateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	m.Called.UpdateJob += 1
	if m.Impl.UpdateJob == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.UpdateJob(ctx, namespace, job)
}

func (m *MockClient) ListJobs(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubebatch.Job, error) {
	m.Called.ListJobs += 1
	if m.Impl.ListJobs == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.ListJobs(ctx, namespace, ls)
}

func (m *MockClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	m.Called.DeleteJob += 1
	if m.Impl.DeleteJob == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.DeleteJob(ctx, namespace, name)
}

func (m *MockClient) FindPods(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubecore.Pod, error) {
	m.Called.FindPods += 1
	if m.Impl.FindPods == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.FindPods(ctx, namespace, ls)
}

func (m *MockClient) Log(ctx context.Context, namespace string, pod string, container string, tailLines int64) (io.ReadCloser, error) {
	m.Called.Log += 1
	if m.Impl.Log == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Log(ctx, namespace, pod, container, tailLines)
}

func (m *MockClient) GetConfigMap(ctx context.Context, namespace string, name string) (*kubecore.ConfigMap, error) {
	m.Called.GetConfigMap += 1
	if m.Impl.GetConfigMap == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.GetConfigMap(ctx, namespace, name)
}
