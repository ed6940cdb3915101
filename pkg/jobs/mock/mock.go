package mock

import (
	"context"
	"errors"
	"time"

	"github.com/opst/kjobs/pkg/jobs"
)

type MockManager struct {
	Impl struct {
		Submit          func(ctx context.Context, definitionName string, args map[string]string) (jobs.Job, error)
		List            func(ctx context.Context, definitionName string) ([]jobs.Job, error)
		Get             func(ctx context.Context, name string) (jobs.Job, error)
		MarkForDeletion func(ctx context.Context, job jobs.Job) error
		Cleanup         func(ctx context.Context, now time.Time) (int, error)
		Observe         func(ctx context.Context) (int, error)
		Logs            func(ctx context.Context, name string, tailLines int64) (string, error)
	}
	Called struct {
		Submit          uint64
		List            uint64
		Get             uint64
		MarkForDeletion uint64
		Cleanup         uint64
		Observe         uint64
		Logs            uint64
	}
}

// MockManager implements jobs.Manager
var _ jobs.Manager = &MockManager{}

func NewMockManager() *MockManager {
	return &MockManager{}
}

var errNotImplemented = errors.New("[MOCK] not implemented")

func (m *MockManager) Submit(ctx context.Context, definitionName string, args map[string]string) (jobs.Job, error) {
	m.Called.Submit += 1
	if m.Impl.Submit == nil {
		return jobs.Job{}, errNotImplemented
	}
	return m.Impl.Submit(ctx, definitionName, args)
}

func (m *MockManager) List(ctx context.Context, definitionName string) ([]jobs.Job, error) {
	m.Called.List += 1
	if m.Impl.List == nil {
		return nil, errNotImplemented
	}
	return m.Impl.List(ctx, definitionName)
}

func (m *MockManager) Get(ctx context.Context, name string) (jobs.Job, error) {
	m.Called.Get += 1
	if m.Impl.Get == nil {
		return jobs.Job{}, errNotImplemented
	}
	return m.Impl.Get(ctx, name)
}

func (m *MockManager) MarkForDeletion(ctx context.Context, job jobs.Job) error {
	m.Called.MarkForDeletion += 1
	if m.Impl.MarkForDeletion == nil {
		return errNotImplemented
	}
	return m.Impl.MarkForDeletion(ctx, job)
}

func (m *MockManager) Cleanup(ctx context.Context, now time.Time) (int, error) {
	m.Called.Cleanup += 1
	if m.Impl.Cleanup == nil {
		return 0, errNotImplemented
	}
	return m.Impl.Cleanup(ctx, now)
}

func (m *MockManager) Observe(ctx context.Context) (int, error) {
	m.Called.Observe += 1
	if m.Impl.Observe == nil {
		return 0, errNotImplemented
	}
	return m.Impl.Observe(ctx)
}

func (m *MockManager) Logs(ctx context.Context, name string, tailLines int64) (string, error) {
	m.Called.Logs += 1
	if m.Impl.Logs == nil {
		return "", errNotImplemented
	}
	return m.Impl.Logs(ctx, name, tailLines)
}
