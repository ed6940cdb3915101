package jobs

import (
	"github.com/opst/kjobs/pkg/admission"
	kjobs "github.com/opst/kjobs/pkg/jobs"
	"github.com/opst/kjobs/pkg/utils/rfctime"
)

type Summary struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	Definition string `json:"definition"`
	Status     string `json:"status"`

	// when the job is deleted. Missing if not scheduled.
	DeletionTime *rfctime.RFC3339 `json:"deletionTime,omitempty"`

	// when the job is observed terminal.
	TerminalTime *rfctime.RFC3339 `json:"terminalTime,omitempty"`
}

func ComposeSummary(j kjobs.Job) Summary {
	s := Summary{
		Name:       j.Name(),
		Namespace:  j.Namespace(),
		Definition: j.DefinitionName(),
		Status:     string(j.Status()),
	}
	if t, ok := j.DeletionTime(); ok {
		r := rfctime.RFC3339(t)
		s.DeletionTime = &r
	}
	if t, ok := j.TerminalObservedAt(); ok {
		r := rfctime.RFC3339(t)
		s.TerminalTime = &r
	}
	return s
}

func ComposeSummaries(js []kjobs.Job) []Summary {
	ret := make([]Summary, 0, len(js))
	for _, j := range js {
		ret = append(ret, ComposeSummary(j))
	}
	return ret
}

// Admitted is the response for job requests.
type Admitted struct {
	// name of the submitted job. Empty if not submitted.
	JobName string `json:"jobName,omitempty"`

	// id of the enqueued message. Empty if not enqueued.
	MessageID string `json:"messageId,omitempty"`

	// errors of failed actions, keyed by "enqueue" or "submit".
	Errors map[string]string `json:"errors,omitempty"`
}

func ComposeAdmitted(r admission.Result) Admitted {
	a := Admitted{JobName: r.JobName, MessageID: r.MessageID}
	if r.EnqueueErr != nil || r.SubmitErr != nil {
		a.Errors = map[string]string{}
	}
	if r.EnqueueErr != nil {
		a.Errors["enqueue"] = r.EnqueueErr.Error()
	}
	if r.SubmitErr != nil {
		a.Errors["submit"] = r.SubmitErr.Error()
	}
	return a
}

