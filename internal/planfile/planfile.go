// Package planfile loads versioned workflow plan documents.
//
// A plan document is YAML (or the same structure as JSON on the
// registration API): a version, a name and an ordered list of stage
// entries. Stage labels are parsed here, exactly once; the compiled
// domain.WorkflowPlan carries tagged (kind, generation) values and is
// immutable for the lifetime of the workflow.
package planfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/materlab/kiln/pkg/domain"
)

// Document is the on-disk and on-wire form of a workflow plan.
type Document struct {
	Version int          `json:"version" yaml:"version"`
	Name    string       `json:"name,omitempty" yaml:"name,omitempty"`
	Stages  []StageEntry `json:"stages" yaml:"stages"`
}

// StageEntry is one plan entry. Stage is a label such as "OPT", "SP" or
// "OPT2"; bare labels take their generation from occurrence order, and
// suffixed labels must agree with it.
type StageEntry struct {
	Stage     string            `json:"stage" yaml:"stage"`
	Params    map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Resources domain.Resources  `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// Parse decodes and compiles a plan document from YAML bytes.
func Parse(data []byte) (*domain.WorkflowPlan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("plan document is empty")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan document: %w", err)
	}
	return Compile(doc)
}

// Compile turns a document into a validated immutable plan.
func Compile(doc Document) (*domain.WorkflowPlan, error) {
	plan := &domain.WorkflowPlan{
		Version: doc.Version,
		Name:    doc.Name,
	}

	occurrences := make(map[domain.CalcKind]int)
	for i, entry := range doc.Stages {
		ref, err := domain.ParseStageLabel(entry.Stage)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		occurrences[ref.Kind]++
		bare := strings.EqualFold(strings.TrimSpace(entry.Stage), string(ref.Kind))
		if bare {
			ref.Gen = occurrences[ref.Kind]
		} else if ref.Gen != occurrences[ref.Kind] {
			return nil, fmt.Errorf("stage %d (%s): generation %d does not match occurrence %d",
				i, entry.Stage, ref.Gen, occurrences[ref.Kind])
		}

		params := make(map[string]string, len(entry.Params))
		for k, v := range entry.Params {
			params[k] = v
		}
		plan.Stages = append(plan.Stages, domain.PlanStage{
			Ref:       ref,
			Params:    params,
			Resources: entry.Resources,
		})
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// LoadFile loads a plan document from a path.
func LoadFile(path string) (*domain.WorkflowPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	plan, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// Library holds the named plan templates loaded at startup.
type Library struct {
	plans map[string]*domain.WorkflowPlan
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{plans: make(map[string]*domain.WorkflowPlan)}
}

// LoadDir loads every *.yaml / *.yml plan under dir into a library.
// Template names come from the document's name field, falling back to
// the file stem; duplicates are an error.
func LoadDir(dir string) (*Library, error) {
	lib := NewLibrary()

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob plans in %s: %w", dir, err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	for _, path := range paths {
		plan, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		name := plan.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			plan.Name = name
		}
		if _, dup := lib.plans[name]; dup {
			return nil, fmt.Errorf("duplicate plan template %q (%s)", name, path)
		}
		lib.plans[name] = plan
	}
	return lib, nil
}

// Get returns the named template.
func (l *Library) Get(name string) (*domain.WorkflowPlan, bool) {
	plan, ok := l.plans[name]
	return plan, ok
}

// Names returns the template names, sorted.
func (l *Library) Names() []string {
	out := make([]string, 0, len(l.plans))
	for name := range l.plans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
