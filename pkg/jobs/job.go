package jobs

import (
	"strconv"
	"time"

	"github.com/opst/kjobs/pkg/signer"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
)

const (
	// annotation key of the time when the job should be deleted, in unix seconds.
	//
	// It is put after the job is observed terminal.
	// Removing it by hand holds the job from being deleted.
	AnnotationDeletionTime = "job_deletion_time_unix_sec"

	// annotation key of the time when the job is observed terminal, in unix seconds.
	AnnotationTerminalTime = "job_terminal_time_unix_sec"
)

// Job is a snapshot of a job in the cluster.
type Job struct {
	raw *kubebatch.Job
}

func newJob(j *kubebatch.Job) Job {
	return Job{raw: j}
}

// Wrap makes a Job from a snapshot of a job. j should not be modified after that.
func Wrap(j *kubebatch.Job) Job {
	return newJob(j)
}

func (j Job) Name() string {
	return j.raw.Name
}

func (j Job) Namespace() string {
	return j.raw.Namespace
}

// DefinitionName returns the name of job definition which the job is made from.
func (j Job) DefinitionName() string {
	return j.raw.Labels[signer.LabelDefinition]
}

// Signature returns the signature of the process which created the job.
func (j Job) Signature() string {
	return j.raw.Labels[signer.LabelManagedBy]
}

func (j Job) Status() k8s.JobStatus {
	return k8s.StatusOf(j.raw)
}

// DeletionTime returns the time when the job should be deleted.
//
// It returns false when the job is not annotated, or the annotation is broken.
func (j Job) DeletionTime() (time.Time, bool) {
	return j.unixAnnotation(AnnotationDeletionTime)
}

// TerminalObservedAt returns the time when the job has been observed terminal.
func (j Job) TerminalObservedAt() (time.Time, bool) {
	return j.unixAnnotation(AnnotationTerminalTime)
}

func (j Job) unixAnnotation(key string) (time.Time, bool) {
	v, ok := j.raw.Annotations[key]
	if !ok {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// Raw returns a copy of the underlying kubernetes Job.
func (j Job) Raw() *kubebatch.Job {
	return j.raw.DeepCopy()
}
