package definitions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	xe "github.com/opst/kjobs/pkg/errors"
	"github.com/opst/kjobs/pkg/template"
	k8s "github.com/opst/kjobs/pkg/workloads/k8s"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
)

// EnvPathPrefix is the prefix of environment variables overriding template paths.
//
// For a definition "helloWorld", JOB_DEFINITION_PATH_HELLO_WORLD is looked up.
const EnvPathPrefix = "JOB_DEFINITION_PATH_"

// Document is a template read from a source.
type Document struct {
	// name of the definition
	Name string

	// where the document comes from, for messages.
	Origin string

	Body []byte
}

// Source reads templates of job definitions.
type Source interface {
	Read(ctx context.Context) ([]Document, error)
}

// DirSource reads templates from files "<Root>/<name>.yaml" (or ".yml").
type DirSource struct {
	Root string

	// Names of definitions which must be found.
	//
	// For them, the path of the template can be overridden with environment variables (see EnvPathPrefix).
	// Other definitions are found by scanning Root.
	Names []string

	// Getenv looks up environment variables. If nil, os.Getenv is used.
	Getenv func(string) string
}

var _ Source = DirSource{}

func (s DirSource) getenv(key string) string {
	if s.Getenv == nil {
		return os.Getenv(key)
	}
	return s.Getenv(key)
}

// Paths returns files and directories to be watched for changes.
func (s DirSource) Paths() []string {
	paths := []string{}
	if s.Root != "" {
		paths = append(paths, s.Root)
	}
	for _, n := range s.Names {
		if p := s.getenv(EnvPathPrefix + EnvName(n)); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func (s DirSource) Read(ctx context.Context) ([]Document, error) {
	found := map[string]string{} // name -> path
	names := []string{}

	if s.Root != "" {
		entries, err := os.ReadDir(s.Root)
		if err != nil {
			return nil, xe.NewConfigurationCausedBy(fmt.Sprintf("cannot read directory %s", s.Root), err)
		}
		// os.ReadDir sorts entries by file name.
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ext)
			path := filepath.Join(s.Root, e.Name())
			if other, ok := found[name]; ok {
				return nil, xe.NewConfiguration(fmt.Sprintf(
					"definition %q is duplicated: %s and %s", name, other, path,
				))
			}
			found[name] = path
			names = append(names, name)
		}
	}

	for _, n := range s.Names {
		if p := s.getenv(EnvPathPrefix + EnvName(n)); p != "" {
			if _, ok := found[n]; !ok {
				names = append(names, n)
			}
			found[n] = p
			continue
		}
		if _, ok := found[n]; !ok {
			return nil, xe.NewConfiguration(fmt.Sprintf(
				"template for definition %q is not found in %s", n, s.Root,
			))
		}
	}

	docs := make([]Document, 0, len(names))
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := found[n]
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, xe.NewConfigurationCausedBy(fmt.Sprintf("cannot read template %s", path), err)
		}
		docs = append(docs, Document{Name: n, Origin: path, Body: body})
	}
	return docs, nil
}

// ConfigMapSource reads templates from a ConfigMap.
//
// Each key in the data of the ConfigMap is the name of a definition,
// and its value is the template.
type ConfigMapSource struct {
	Client    k8s.JobClient
	Namespace string
	Name      string
}

var _ Source = ConfigMapSource{}

func (s ConfigMapSource) Read(ctx context.Context) ([]Document, error) {
	cm, err := s.Client.GetConfigMap(ctx, s.Namespace, s.Name)
	if kubeerr.IsNotFound(err) {
		return nil, xe.NewConfigurationCausedBy(
			fmt.Sprintf("configmap %s/%s is not found", s.Namespace, s.Name), err,
		)
	} else if err != nil {
		return nil, xe.NewClusterAPI(
			fmt.Sprintf("get configmap %s/%s", s.Namespace, s.Name), k8s.IsTransient(err), err,
		)
	}

	names := make([]string, 0, len(cm.Data))
	for k := range cm.Data {
		names = append(names, k)
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, n := range names {
		docs = append(docs, Document{
			Name:   n,
			Origin: fmt.Sprintf("configmap/%s/%s[%s]", s.Namespace, s.Name, n),
			Body:   []byte(cm.Data[n]),
		})
	}
	return docs, nil
}

// Load reads all templates from the source, and builds a Registry.
//
// It fails on the first broken template.
func Load(ctx context.Context, src Source) (*Registry, error) {
	docs, err := src.Read(ctx)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry()
	for _, d := range docs {
		tpl, err := template.Parse(d.Body)
		if err != nil {
			return nil, xe.WrapWithNote(fmt.Sprintf("definition %q (%s)", d.Name, d.Origin), err)
		}
		if err := reg.Register(d.Name, tpl); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

var (
	reCamelHead = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	reCamelTail = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	reNonWord   = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// EnvName converts a definition name into UPPER_SNAKE_CASE.
//
//	helloWorld  -> HELLO_WORLD
//	hello-world -> HELLO_WORLD
func EnvName(name string) string {
	s := reCamelHead.ReplaceAllString(name, "${1}_${2}")
	s = reCamelTail.ReplaceAllString(s, "${1}_${2}")
	s = reNonWord.ReplaceAllString(s, "_")
	return strings.ToUpper(s)
}
