// Package schema validates extraction payloads against per-category JSON
// schemas. A failed validation downgrades the record to requires-review;
// it never discards data a human could still use.
package schema

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/corfid/docpipe/internal/model"
)

// Manifest declares which categories continue to extraction and where
// their schemas live, loaded from categories.yaml.
type Manifest struct {
	Categories map[string]CategoryEntry `yaml:"categories"`
}

// CategoryEntry is one category row in the manifest.
type CategoryEntry struct {
	Extractable bool   `yaml:"extractable"`
	Schema      string `yaml:"schema,omitempty"`
}

// LoadManifest reads and parses a categories.yaml manifest.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read manifest %s", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrapf(err, "parse manifest %s", path)
	}
	if len(m.Categories) == 0 {
		return nil, eris.Errorf("manifest %s declares no categories", path)
	}
	return &m, nil
}

// Extractable reports whether the manifest sends cat to extraction.
// Categories absent from the manifest are not extractable.
func (m *Manifest) Extractable(cat model.Category) bool {
	return m.Categories[string(cat)].Extractable
}

// Validator compiles and caches per-category schemas from an evaluation
// tree: <root>/evaluation/<CATEGORY>/schema.json, or from the paths a
// category manifest declares. Safe for concurrent use.
type Validator struct {
	root     string
	manifest *Manifest

	mu       sync.Mutex
	compiled map[model.Category]*jsonschema.Schema
}

// NewValidator creates a Validator rooted at dir using the conventional
// evaluation tree layout.
func NewValidator(dir string) *Validator {
	return &Validator{
		root:     dir,
		compiled: make(map[model.Category]*jsonschema.Schema),
	}
}

// NewValidatorWithManifest creates a Validator whose schema locations
// come from the manifest, falling back to the evaluation tree for
// categories the manifest leaves unset.
func NewValidatorWithManifest(dir string, m *Manifest) *Validator {
	v := NewValidator(dir)
	v.manifest = m
	return v
}

// Check validates the record's field payload against the category's
// schema. A missing schema file passes (not every category ships one).
// Validation failure marks the record RequiresReview and returns the
// cause; the record itself is kept intact.
func (v *Validator) Check(rec *model.Record) error {
	if rec == nil || len(rec.Fields) == 0 {
		return nil
	}
	s, err := v.schemaFor(rec.Category)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	payload := make(map[string]any, len(rec.Fields))
	for k, val := range rec.Fields {
		payload[k] = val
	}
	if err := s.Validate(payload); err != nil {
		rec.RequiresReview = true
		zap.L().Warn("extraction payload failed schema validation",
			zap.String("category", string(rec.Category)),
			zap.String("path", rec.Path),
			zap.Error(err))
		return eris.Wrapf(err, "schema validation for %s", rec.Category)
	}
	return nil
}

func (v *Validator) schemaFor(cat model.Category) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[cat]; ok {
		return s, nil
	}

	path := filepath.Join(v.root, "evaluation", string(cat), "schema.json")
	if v.manifest != nil {
		if entry, ok := v.manifest.Categories[string(cat)]; ok && entry.Schema != "" {
			path = filepath.Join(v.root, entry.Schema)
		}
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			v.compiled[cat] = nil
			return nil, nil
		}
		return nil, eris.Wrapf(err, "stat schema %s", path)
	}

	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "compile schema %s", path)
	}
	v.compiled[cat] = s
	return s, nil
}
