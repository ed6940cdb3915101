// Package definitions holds job definitions: named templates with the way
// requests for them are admitted.
package definitions

import (
	"fmt"
	"strings"

	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/template"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Admission tells what a request for a definition causes.
type Admission string

const (
	// requests are only put into the queue of the definition.
	EnqueueOnly Admission = "enqueue"

	// requests are only submitted as jobs.
	SpawnOnly Admission = "spawn"

	// requests are put into the queue and submitted as jobs.
	Both Admission = "both"
)

// ParseAdmission parses "enqueue", "spawn" or "both".
//
// Empty string is parsed as "" (= default, decided by queue binding).
func ParseAdmission(s string) (Admission, error) {
	switch a := Admission(strings.ToLower(strings.TrimSpace(s))); a {
	case "", EnqueueOnly, SpawnOnly, Both:
		return a, nil
	default:
		return "", xe.NewConfiguration(fmt.Sprintf("unknown admission: %q (enqueue, spawn or both)", s))
	}
}

func (a Admission) Enqueues() bool {
	return a == EnqueueOnly || a == Both
}

func (a Admission) Spawns() bool {
	return a == SpawnOnly || a == Both
}

type Definition struct {
	Name     string
	Template *template.Template

	// name of queue bound to this definition. Empty if not bound.
	Queue string

	Admission Admission
}

type Option func(*Definition)

// WithQueue binds a queue to the definition.
func WithQueue(queue string) Option {
	return func(d *Definition) {
		d.Queue = queue
	}
}

// WithAdmission sets admission of the definition.
//
// When not set, it is Both for definitions bound to a queue, and SpawnOnly for others.
func WithAdmission(a Admission) Option {
	return func(d *Definition) {
		d.Admission = a
	}
}

func (d Definition) validate() error {
	if d.Admission.Enqueues() && d.Queue == "" {
		return xe.NewConfiguration(fmt.Sprintf(
			"definition %q: admission %q needs a queue binding", d.Name, d.Admission,
		))
	}
	return nil
}

func (d *Definition) defaults() {
	if d.Admission != "" {
		return
	}
	if d.Queue == "" {
		d.Admission = SpawnOnly
	} else {
		d.Admission = Both
	}
}

// Resolver looks up definitions by name.
type Resolver interface {
	// Resolve returns the definition.
	//
	// If missing, it returns *errors.ErrNotFound.
	Resolve(name string) (Definition, error)

	// Definitions returns names of all definitions.
	Definitions() []string
}

// Registry is a set of definitions.
//
// It is not modified after being loaded, and so safe to be shared between goroutines.
// To change definitions, build a new Registry.
type Registry struct {
	defs  map[string]Definition
	order []string
}

var _ Resolver = &Registry{}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

// Register adds a definition.
//
// The name should be usable as a label value. Registering the same name twice is an error.
func (r *Registry) Register(name string, tpl *template.Template, options ...Option) error {
	if name == "" {
		return xe.NewConfiguration("definition name is empty")
	}
	if errs := validation.IsValidLabelValue(name); 0 < len(errs) {
		return xe.NewConfiguration(
			fmt.Sprintf("definition name %q is not a label value: %s", name, strings.Join(errs, "; ")),
		)
	}
	if tpl == nil {
		return xe.NewConfiguration(fmt.Sprintf("definition %q has no template", name))
	}
	if _, ok := r.defs[name]; ok {
		return xe.NewConfiguration(fmt.Sprintf("definition %q is duplicated", name))
	}

	d := Definition{Name: name, Template: tpl}
	for _, opt := range options {
		opt(&d)
	}
	d.defaults()
	if err := d.validate(); err != nil {
		return err
	}

	r.defs[name] = d
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Resolve(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, xe.NewNotFound(fmt.Sprintf("job definition %q", name))
	}
	return d, nil
}

// Definitions returns names of definitions in registration order.
func (r *Registry) Definitions() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Binding configures queue and admission of a definition.
type Binding struct {
	Definition string
	Queue      string
	Admission  Admission
}

// Bind returns a copy of the registry with bindings applied.
//
// Binding to an unknown definition, binding a definition twice, and
// admission requiring a queue without one are errors.
func (r *Registry) Bind(bindings []Binding) (*Registry, error) {
	bound := map[string]Binding{}
	for _, b := range bindings {
		if _, ok := r.defs[b.Definition]; !ok {
			return nil, xe.NewConfiguration(fmt.Sprintf("binding for unknown definition %q", b.Definition))
		}
		if _, ok := bound[b.Definition]; ok {
			return nil, xe.NewConfiguration(fmt.Sprintf("definition %q is bound twice", b.Definition))
		}
		bound[b.Definition] = b
	}

	ret := NewRegistry()
	for _, name := range r.order {
		d := r.defs[name]
		if b, ok := bound[name]; ok {
			d.Queue = b.Queue
			d.Admission = b.Admission
			d.defaults()
			if err := d.validate(); err != nil {
				return nil, err
			}
		}
		ret.defs[name] = d
		ret.order = append(ret.order, name)
	}
	return ret, nil
}
