// Package jobs submits jobs from definitions, and reclaims them after retention.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/opst/kjobs/pkg/definitions"
	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/metrics"
	"github.com/opst/kjobs/pkg/signer"
	"github.com/opst/kjobs/pkg/utils/retry"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	k8sretry "k8s.io/client-go/util/retry"
)

const (
	// bytes of random suffix of job names.
	suffixBytes = 12

	// max length of job name before suffix, to fit names into 63 characters.
	maxBaseLength = 63 - 1 - 2*suffixBytes

	// label put on pods by the job controller.
	labelJobName = "job-name"

	// upper limit of log bytes read from each pod.
	logLimitBytes = 10 << 20
)

type Manager interface {
	// Submit creates a job from the definition.
	//
	// Each call creates a new job. Callers should not resubmit blindly.
	//
	// # Returns
	//
	// - Job: created job.
	//
	// - error: *errors.ErrNotFound if the definition is missing,
	// *errors.ErrTemplateRender if args do not fit the template,
	// or *errors.ErrClusterAPI.
	Submit(ctx context.Context, definitionName string, args map[string]string) (Job, error)

	// List returns jobs created by this manager.
	//
	// When definitionName is empty, jobs of all definitions are returned.
	List(ctx context.Context, definitionName string) ([]Job, error)

	// Get returns the job created by this manager.
	//
	// It returns *errors.ErrNotFound when the job is missing, or created by others.
	Get(ctx context.Context, name string) (Job, error)

	// MarkForDeletion annotates the job to be deleted after retention.
	//
	// If the job has been annotated already, it does nothing.
	// If the job has gone already, it is not an error.
	MarkForDeletion(ctx context.Context, job Job) error

	// Cleanup deletes jobs whose deletion time is not after now.
	//
	// # Returns
	//
	// - int: count of deleted jobs.
	//
	// - error: failures on each job, joined. A failure on a job does not stop others.
	Cleanup(ctx context.Context, now time.Time) (int, error)

	// Observe marks terminal jobs for deletion.
	//
	// Jobs which have been observed terminal once are not marked again,
	// even if their deletion annotation is removed.
	//
	// # Returns
	//
	// - int: count of newly marked jobs.
	//
	// - error: failures on each job, joined.
	Observe(ctx context.Context) (int, error)

	// Logs returns the last tailLines lines of logs of each pod of the job.
	//
	// Logs of each pod are framed like
	//
	//	Pod: <pod name>
	//	...
	//	=======
	Logs(ctx context.Context, name string, tailLines int64) (string, error)
}

// BeforeDelete is called before a job is deleted by Cleanup.
//
// If it returns error, the job is not deleted in this pass.
type BeforeDelete func(context.Context, Job) error

type manager struct {
	client    k8s.JobClient
	namespace string
	signer    *signer.Signer
	resolver  definitions.Resolver
	retention time.Duration

	retry        retry.Policy
	clock        func() time.Time
	random       io.Reader
	beforeDelete BeforeDelete
	logger       *log.Logger
	metrics      *metrics.Metrics
}

type Option func(*manager)

// WithRetry sets retry policy for transient cluster API errors.
func WithRetry(p retry.Policy) Option {
	return func(m *manager) {
		m.retry = p
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *manager) {
		m.clock = clock
	}
}

// WithRandom sets source of random suffix of job names.
func WithRandom(r io.Reader) Option {
	return func(m *manager) {
		m.random = r
	}
}

// WithBeforeDelete sets a hook called before each deletion by Cleanup.
//
// It is called at least once before a job is deleted.
func WithBeforeDelete(hook BeforeDelete) Option {
	return func(m *manager) {
		m.beforeDelete = hook
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(m *manager) {
		m.logger = logger
	}
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *manager) {
		m.metrics = mx
	}
}

// New creates a Manager working in the namespace.
//
// Jobs are signed by s, and made from definitions found by resolver.
// Terminal jobs are deleted after retention.
func New(
	client k8s.JobClient,
	namespace string,
	s *signer.Signer,
	resolver definitions.Resolver,
	retention time.Duration,
	options ...Option,
) Manager {
	m := &manager{
		client:    client,
		namespace: namespace,
		signer:    s,
		resolver:  resolver,
		retention: retention,
		retry:     retry.DefaultPolicy,
		clock:     time.Now,
		random:    rand.Reader,
		logger:    log.New("kjobs/jobs"),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// call calls the cluster API, retrying transient errors.
//
// Errors are returned as *errors.ErrClusterAPI.
func call[T any](ctx context.Context, m *manager, operation string, f func(context.Context) (T, error)) (T, error) {
	ret, err := retry.Do(ctx, m.retry, k8s.IsTransient, f)
	if err != nil {
		return ret, xe.NewClusterAPI(operation, k8s.IsTransient(err), err)
	}
	return ret, nil
}

// GenerateName makes a job name from base, followed by random hex suffix.
//
// base is lowercased, and characters other than [a-z0-9-] are replaced with "-",
// so that the name is a valid job name even if base is not.
func GenerateName(base string, random io.Reader) (string, error) {
	base = strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r == '-':
			return r
		case 'A' <= r && r <= 'Z':
			return r - 'A' + 'a'
		}
		return '-'
	}, base)
	base = strings.TrimLeft(base, "-")
	if maxBaseLength < len(base) {
		base = base[:maxBaseLength]
	}
	base = strings.TrimRight(base, "-")
	if base == "" {
		base = "job"
	}
	suffix := make([]byte, suffixBytes)
	if _, err := io.ReadFull(random, suffix); err != nil {
		return "", xe.Wrap(err)
	}
	return base + "-" + hex.EncodeToString(suffix), nil
}

func (m *manager) Submit(ctx context.Context, definitionName string, args map[string]string) (Job, error) {
	job, err := m.submit(ctx, definitionName, args)
	m.metrics.JobSubmitted(definitionName, err)
	return job, err
}

func (m *manager) submit(ctx context.Context, definitionName string, args map[string]string) (Job, error) {
	def, err := m.resolver.Resolve(definitionName)
	if err != nil {
		return Job{}, err
	}

	spec, err := def.Template.RenderJob(args)
	if err != nil {
		return Job{}, xe.WrapWithNote(fmt.Sprintf("definition %q", definitionName), err)
	}

	base := spec.Name
	if base == "" {
		base = spec.GenerateName
	}
	if base == "" {
		base = def.Name
	}
	name, err := GenerateName(base, m.random)
	if err != nil {
		return Job{}, err
	}
	spec.Name = name
	spec.GenerateName = ""
	spec.Namespace = m.namespace
	delete(spec.Annotations, AnnotationDeletionTime)
	delete(spec.Annotations, AnnotationTerminalTime)
	m.signer.Sign(spec, def.Name)

	attempts := 0
	created, err := call(ctx, m, "create job", func(ctx context.Context) (*kubebatch.Job, error) {
		attempts += 1
		created, err := m.client.CreateJob(ctx, m.namespace, spec)
		if attempts <= 1 || !kubeerr.IsAlreadyExists(err) {
			return created, err
		}
		// former attempt has reached the cluster.
		return m.client.GetJob(ctx, m.namespace, name)
	})
	if err != nil {
		return Job{}, err
	}

	m.logger.Infof("job %s is submitted (definition: %s)", created.Name, def.Name)
	return newJob(created), nil
}

func (m *manager) List(ctx context.Context, definitionName string) ([]Job, error) {
	found, err := call(ctx, m, "list jobs", func(ctx context.Context) ([]kubebatch.Job, error) {
		return m.client.ListJobs(ctx, m.namespace, m.signer.Selector(definitionName))
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(found))
	for i := range found {
		j := &found[i]
		if !m.signer.Owns(j) {
			continue
		}
		jobs = append(jobs, newJob(j))
	}
	return jobs, nil
}

func (m *manager) Get(ctx context.Context, name string) (Job, error) {
	j, err := m.get(ctx, name)
	if err != nil {
		return Job{}, err
	}
	return newJob(j), nil
}

func (m *manager) get(ctx context.Context, name string) (*kubebatch.Job, error) {
	j, err := call(ctx, m, "get job", func(ctx context.Context) (*kubebatch.Job, error) {
		return m.client.GetJob(ctx, m.namespace, name)
	})
	if kubeerr.IsNotFound(err) {
		return nil, xe.NewNotFoundCausedBy(fmt.Sprintf("job %q", name), err)
	} else if err != nil {
		return nil, err
	}
	if !m.signer.Owns(j) {
		return nil, xe.NewNotFound(fmt.Sprintf("job %q (not managed by %s)", name, m.signer.Signature()))
	}
	return j, nil
}

func (m *manager) MarkForDeletion(ctx context.Context, job Job) error {
	_, err := m.mark(ctx, job.Name(), false)
	return err
}

// mark annotates the job with deletion time.
//
// When observing is true, the job is skipped if it has been observed terminal already.
//
// # Returns
//
// - bool: true if the job is annotated in this call.
func (m *manager) mark(ctx context.Context, name string, observing bool) (bool, error) {
	marked := false
	err := k8sretry.RetryOnConflict(k8sretry.DefaultRetry, func() error {
		marked = false
		fresh, err := m.get(ctx, name)
		if xe.AsNotFound(err) {
			return nil
		} else if err != nil {
			return err
		}

		current := newJob(fresh)
		// kept as is even if unparsable, to be held from deletion.
		if _, ok := fresh.Annotations[AnnotationDeletionTime]; ok {
			return nil
		}
		if _, ok := current.TerminalObservedAt(); ok && observing {
			return nil
		}

		now := m.clock()
		if fresh.Annotations == nil {
			fresh.Annotations = map[string]string{}
		}
		fresh.Annotations[AnnotationDeletionTime] = strconv.FormatInt(now.Add(m.retention).Unix(), 10)
		if _, ok := current.TerminalObservedAt(); !ok {
			fresh.Annotations[AnnotationTerminalTime] = strconv.FormatInt(now.Unix(), 10)
		}

		_, err = call(ctx, m, "update job", func(ctx context.Context) (*kubebatch.Job, error) {
			return m.client.UpdateJob(ctx, m.namespace, fresh)
		})
		if kubeerr.IsNotFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		marked = true
		return nil
	})
	if err != nil {
		return false, xe.WrapWithNote(fmt.Sprintf("mark job %q for deletion", name), err)
	}
	if marked {
		m.logger.Infof("job %s is marked for deletion (retention: %s)", name, m.retention)
	}
	return marked, nil
}

func (m *manager) Observe(ctx context.Context) (int, error) {
	jobs, err := m.List(ctx, "")
	if err != nil {
		return 0, err
	}

	count := 0
	errs := []error{}
	for _, j := range jobs {
		if !j.Status().Terminal() {
			continue
		}
		if _, ok := j.DeletionTime(); ok {
			continue
		}
		if _, ok := j.TerminalObservedAt(); ok {
			// held by removing deletion annotation.
			continue
		}

		marked, err := m.mark(ctx, j.Name(), true)
		if err != nil {
			m.logger.Warnf("failed to mark job %s: %v", j.Name(), err)
			errs = append(errs, err)
			continue
		}
		if marked {
			count += 1
		}
	}
	m.metrics.JobsMarked(count)
	return count, errors.Join(errs...)
}

func (m *manager) Cleanup(ctx context.Context, now time.Time) (int, error) {
	jobs, err := m.List(ctx, "")
	if err != nil {
		return 0, err
	}

	count := 0
	errs := []error{}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		deletion, ok := j.DeletionTime()
		if !ok || deletion.After(now) {
			continue
		}

		if m.beforeDelete != nil {
			if err := m.beforeDelete(ctx, j); err != nil {
				m.logger.Warnf("hook before deleting job %s failed. skip it: %v", j.Name(), err)
				errs = append(errs, xe.WrapWithNote(fmt.Sprintf("before delete job %q", j.Name()), err))
				continue
			}
		}

		_, err := call(ctx, m, "delete job", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.client.DeleteJob(ctx, m.namespace, j.Name())
		})
		if err != nil {
			m.logger.Warnf("failed to delete job %s: %v", j.Name(), err)
			errs = append(errs, xe.WrapWithNote(fmt.Sprintf("delete job %q", j.Name()), err))
			continue
		}
		m.logger.Infof("job %s is deleted (deletion time: %s)", j.Name(), deletion.Format(time.RFC3339))
		count += 1
	}
	m.metrics.JobsDeleted(count)
	return count, errors.Join(errs...)
}

func (m *manager) Logs(ctx context.Context, name string, tailLines int64) (string, error) {
	if _, err := m.get(ctx, name); err != nil {
		return "", err
	}

	pods, err := call(ctx, m, "find pods", func(ctx context.Context) ([]string, error) {
		found, err := m.client.FindPods(ctx, m.namespace, k8s.LabelSelector{labelJobName: k8s.Eq(name)})
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(found))
		for _, p := range found {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		return names, nil
	})
	if err != nil {
		return "", err
	}

	b := &strings.Builder{}
	for _, pod := range pods {
		content, err := call(ctx, m, "read log", func(ctx context.Context) ([]byte, error) {
			stream, err := m.client.Log(ctx, m.namespace, pod, "", tailLines)
			if err != nil {
				return nil, err
			}
			defer stream.Close()
			return io.ReadAll(io.LimitReader(stream, logLimitBytes))
		})
		if kubeerr.IsBadRequest(err) {
			// containers are not started yet.
			continue
		} else if err != nil {
			return "", xe.WrapWithNote(fmt.Sprintf("log of pod %s", pod), err)
		}
		if len(content) == logLimitBytes {
			m.logger.Warnf("log of pod %s may be truncated at %d bytes", pod, logLimitBytes)
		}
		b.WriteString("Pod: " + pod + "\n")
		b.Write(content)
		if 0 < len(content) && content[len(content)-1] != '\n' {
			b.WriteString("\n")
		}
		b.WriteString("=======\n")
	}
	return b.String(), nil
}
