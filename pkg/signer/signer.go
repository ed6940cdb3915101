// Package signer stamps jobs with an ownership signature, and recognizes jobs it stamped.
//
// Every job created by a kjobs process carries the label
//
//	app.kubernetes.io/managed-by=<signature>
//
// and only jobs carrying the process's own signature are listed or deleted by it.
package signer

import (
	"fmt"
	"os"
	"strings"

	xe "github.com/opst/kjobs/pkg/errors"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	// label key holding the signature
	LabelManagedBy = "app.kubernetes.io/managed-by"

	// label key holding the name of job definition
	LabelDefinition = "job_definition_name"
)

type Signer struct {
	signature string
}

// New creates a Signer with the signature.
//
// The signature must be a valid label value, and must not be empty.
func New(signature string) (*Signer, error) {
	if signature == "" {
		return nil, xe.NewConfiguration("signature is empty")
	}
	if errs := validation.IsValidLabelValue(signature); 0 < len(errs) {
		return nil, xe.NewConfiguration(
			fmt.Sprintf("signature %q is not a label value: %s", signature, strings.Join(errs, "; ")),
		)
	}
	return &Signer{signature: signature}, nil
}

// FromEnv creates a Signer with the signature in the environment variable key.
//
// When the variable is unset or empty, fallback is used.
func FromEnv(key string, fallback string) (*Signer, error) {
	if sig := os.Getenv(key); sig != "" {
		return New(sig)
	}
	if fallback == "" {
		return nil, xe.NewConfiguration(fmt.Sprintf("signature is not given: set %s", key))
	}
	return New(fallback)
}

func (s *Signer) Signature() string {
	return s.signature
}

// Sign puts the ownership labels onto the job and its pod template.
//
// Labels already on the job are kept unless they collide.
func (s *Signer) Sign(job *kubebatch.Job, definitionName string) {
	if job.Labels == nil {
		job.Labels = map[string]string{}
	}
	job.Labels[LabelManagedBy] = s.signature
	job.Labels[LabelDefinition] = definitionName

	if job.Spec.Template.Labels == nil {
		job.Spec.Template.Labels = map[string]string{}
	}
	job.Spec.Template.Labels[LabelManagedBy] = s.signature
	job.Spec.Template.Labels[LabelDefinition] = definitionName
}

// Selector returns a selector for jobs signed by this Signer.
//
// When definitionName is not empty, the selector matches only jobs of the definition.
func (s *Signer) Selector(definitionName string) k8s.LabelSelector {
	sel := k8s.LabelSelector{LabelManagedBy: k8s.Eq(s.signature)}
	if definitionName != "" {
		sel[LabelDefinition] = k8s.Eq(definitionName)
	}
	return sel
}

// Owns reports whether the job is signed by this Signer.
func (s *Signer) Owns(job *kubebatch.Job) bool {
	return job != nil && job.Labels[LabelManagedBy] == s.signature
}
