// Package template parses job templates, YAML documents with placeholders like
//
//	command: ["echo", "{{ MESSAGE }}"]
//
// and renders them with arguments.
//
// Placeholders are substituted as text. A scalar having an explicit tag is
// converted into the tagged type after substitution, so
//
//	parallelism: !!int "{{ PARALLELISM }}"
//
// is rendered as an integer.
package template

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	xe "github.com/opst/kjobs/pkg/errors"
	"gopkg.in/yaml.v3"
	kubebatch "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	tagStr   = "!!str"
	tagInt   = "!!int"
	tagFloat = "!!float"
	tagBool  = "!!bool"
	tagNull  = "!!null"
	tagMap   = "!!map"
	tagSeq   = "!!seq"
)

var rePlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Node is an element of parsed template.
type Node interface {
	// collect names of placeholders in this node into names.
	placeholders(names map[string]struct{})

	// render this node.
	//
	// names of missing placeholders are collected into missing.
	render(args map[string]string, missing map[string]struct{}) (any, error)
}

// Mapping is a YAML mapping. Keys may have placeholders.
type Mapping struct {
	Keys   []*Text
	Values []Node
}

// Sequence is a YAML sequence.
type Sequence struct {
	Items []Node
}

// Scalar is a YAML scalar without placeholders, already typed by its tag.
type Scalar struct {
	Value any
}

// Text is a YAML scalar with placeholders.
type Text struct {
	// YAML tag explicitly written in the template. Empty if not written.
	Tag string

	parts []part
}

type part struct {
	literal     string
	placeholder string
}

type Template struct {
	root *Mapping
}

// Parse parses a YAML document into Template.
//
// The document should be a mapping.
func Parse(b []byte) (*Template, error) {
	doc := yaml.Node{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, xe.NewConfigurationCausedBy("template is not a yaml", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, xe.NewConfiguration("template is empty")
	}

	root, err := parseNode(doc.Content[0])
	if err != nil {
		return nil, err
	}
	m, ok := root.(*Mapping)
	if !ok {
		return nil, xe.NewConfiguration("template should be a mapping")
	}
	return &Template{root: m}, nil
}

func parseNode(n *yaml.Node) (Node, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return parseNode(n.Alias)
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return &Scalar{}, nil
		}
		return parseNode(n.Content[0])
	case yaml.MappingNode:
		m := &Mapping{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, xe.NewConfiguration(
					fmt.Sprintf("line %d: mapping key should be a scalar", k.Line),
				)
			}
			key := parseText(k.Value, "")
			value, err := parseNode(v)
			if err != nil {
				return nil, err
			}
			m.Keys = append(m.Keys, key)
			m.Values = append(m.Values, value)
		}
		return m, nil
	case yaml.SequenceNode:
		s := &Sequence{Items: make([]Node, 0, len(n.Content))}
		for _, c := range n.Content {
			item, err := parseNode(c)
			if err != nil {
				return nil, err
			}
			s.Items = append(s.Items, item)
		}
		return s, nil
	case yaml.ScalarNode:
		tag := ""
		if n.Style&yaml.TaggedStyle != 0 {
			tag = n.ShortTag()
		}
		if rePlaceholder.MatchString(n.Value) {
			return parseText(n.Value, tag), nil
		}
		v, err := typed(n.ShortTag(), n.Value)
		if err != nil {
			return nil, xe.NewConfigurationCausedBy(fmt.Sprintf("line %d", n.Line), err)
		}
		return &Scalar{Value: v}, nil
	default:
		return nil, xe.NewConfiguration(fmt.Sprintf("line %d: unsupported yaml node", n.Line))
	}
}

func parseText(s string, tag string) *Text {
	t := &Text{Tag: tag}
	last := 0
	for _, loc := range rePlaceholder.FindAllStringSubmatchIndex(s, -1) {
		if last < loc[0] {
			t.parts = append(t.parts, part{literal: s[last:loc[0]]})
		}
		t.parts = append(t.parts, part{placeholder: s[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(s) {
		t.parts = append(t.parts, part{literal: s[last:]})
	}
	return t
}

// typed converts a scalar value into the type tag tells.
//
// Numbers are int64 or float64, as the unstructured form of kubernetes objects requires.
func typed(tag string, value string) (any, error) {
	switch tag {
	case tagInt:
		i, err := strconv.ParseInt(strings.ReplaceAll(value, "_", ""), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer: %w", value, err)
		}
		return i, nil
	case tagFloat:
		switch strings.ToLower(value) {
		case ".inf", "+.inf":
			return math.Inf(1), nil
		case "-.inf":
			return math.Inf(-1), nil
		case ".nan":
			return math.NaN(), nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number: %w", value, err)
		}
		return f, nil
	case tagBool:
		var b bool
		if err := yaml.Unmarshal([]byte(value), &b); err != nil {
			return nil, fmt.Errorf("%q is not a boolean: %w", value, err)
		}
		return b, nil
	case tagNull:
		return nil, nil
	case tagMap, tagSeq:
		return nil, fmt.Errorf("%s is not for scalar", tag)
	default:
		return value, nil
	}
}

// Placeholders returns the names of placeholders in the template, sorted.
func (t *Template) Placeholders() []string {
	names := map[string]struct{}{}
	t.root.placeholders(names)
	return sorted(names)
}

// Render substitutes placeholders with args.
//
// All placeholders should be given. Arguments not in the template are ignored.
//
// # Returns
//
// - map[string]any: rendered document.
//
// - error: *errors.ErrTemplateRender, listing all missing placeholders or telling a tagged value is broken.
func (t *Template) Render(args map[string]string) (map[string]any, error) {
	missing := map[string]struct{}{}
	v, err := t.root.render(args, missing)
	if 0 < len(missing) {
		return nil, xe.NewTemplateRender("arguments are missing", sorted(missing)...)
	}
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// RenderJob renders the template as a kubernetes Job.
//
// The rendered document should be a batch/v1 Job.
func (t *Template) RenderJob(args map[string]string) (*kubebatch.Job, error) {
	doc, err := t.Render(args)
	if err != nil {
		return nil, err
	}

	if apiVersion, kind := doc["apiVersion"], doc["kind"]; apiVersion != "batch/v1" || kind != "Job" {
		return nil, xe.NewTemplateRender(
			fmt.Sprintf("template is not a batch/v1 Job (apiVersion: %v, kind: %v)", apiVersion, kind),
		)
	}

	job := &kubebatch.Job{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(doc, job); err != nil {
		return nil, xe.NewTemplateRenderCausedBy("rendered template is not a Job", err)
	}
	return job, nil
}

func sorted(names map[string]struct{}) []string {
	ns := make([]string, 0, len(names))
	for n := range names {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	return ns
}

func (m *Mapping) placeholders(names map[string]struct{}) {
	for i := range m.Keys {
		m.Keys[i].placeholders(names)
		m.Values[i].placeholders(names)
	}
}

func (m *Mapping) render(args map[string]string, missing map[string]struct{}) (any, error) {
	out := make(map[string]any, len(m.Keys))
	var firstErr error
	for i := range m.Keys {
		k, _ := m.Keys[i].text(args, missing)
		v, err := m.Values[i].render(args, missing)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out[k] = v
	}
	return out, firstErr
}

func (s *Sequence) placeholders(names map[string]struct{}) {
	for _, i := range s.Items {
		i.placeholders(names)
	}
}

func (s *Sequence) render(args map[string]string, missing map[string]struct{}) (any, error) {
	out := make([]any, 0, len(s.Items))
	var firstErr error
	for _, i := range s.Items {
		v, err := i.render(args, missing)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, v)
	}
	return out, firstErr
}

func (*Scalar) placeholders(map[string]struct{}) {}

func (s *Scalar) render(map[string]string, map[string]struct{}) (any, error) {
	return s.Value, nil
}

func (t *Text) placeholders(names map[string]struct{}) {
	for _, p := range t.parts {
		if p.placeholder != "" {
			names[p.placeholder] = struct{}{}
		}
	}
}

func (t *Text) text(args map[string]string, missing map[string]struct{}) (string, bool) {
	b := &strings.Builder{}
	ok := true
	for _, p := range t.parts {
		if p.placeholder == "" {
			b.WriteString(p.literal)
			continue
		}
		v, found := args[p.placeholder]
		if !found {
			missing[p.placeholder] = struct{}{}
			ok = false
			continue
		}
		b.WriteString(v)
	}
	return b.String(), ok
}

func (t *Text) render(args map[string]string, missing map[string]struct{}) (any, error) {
	s, ok := t.text(args, missing)
	if !ok {
		return nil, nil
	}
	if t.Tag == "" || t.Tag == tagStr {
		return s, nil
	}
	v, err := typed(t.Tag, s)
	if err != nil {
		return nil, xe.NewTemplateRenderCausedBy("rendered value does not fit its tag", err)
	}
	return v, nil
}
