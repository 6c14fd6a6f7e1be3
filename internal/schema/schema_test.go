package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/model"
)

const cerlSchema = `{
  "type": "object",
  "required": ["PrincipalCompanyName", "TaxId"],
  "properties": {
    "PrincipalCompanyName": {"type": "string", "minLength": 1},
    "TaxId": {"type": "string"}
  }
}`

func writeSchema(t *testing.T, root string, cat model.Category, body string) {
	t.Helper()
	dir := filepath.Join(root, "evaluation", string(cat))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.json"), []byte(body), 0o644))
}

func TestCheckValidPayload(t *testing.T) {
	root := t.TempDir()
	writeSchema(t, root, model.CategoryCERL, cerlSchema)

	rec := &model.Record{
		Category: model.CategoryCERL,
		Fields: map[string]any{
			"PrincipalCompanyName": "ACME SAS",
			"TaxId":                "800035887",
		},
	}
	v := NewValidator(root)
	require.NoError(t, v.Check(rec))
	assert.False(t, rec.RequiresReview)
}

func TestCheckInvalidPayloadDowngradesNotDiscards(t *testing.T) {
	root := t.TempDir()
	writeSchema(t, root, model.CategoryCERL, cerlSchema)

	rec := &model.Record{
		Category: model.CategoryCERL,
		Fields:   map[string]any{"TaxId": "800035887"},
	}
	v := NewValidator(root)
	err := v.Check(rec)
	require.Error(t, err)
	assert.True(t, rec.RequiresReview)
	assert.Equal(t, "800035887", rec.Fields["TaxId"])
}

func TestCheckMissingSchemaPasses(t *testing.T) {
	v := NewValidator(t.TempDir())
	rec := &model.Record{
		Category: model.CategoryRUT,
		Fields:   map[string]any{"anything": 1},
	}
	assert.NoError(t, v.Check(rec))
}

func TestCheckNilAndEmptyRecords(t *testing.T) {
	v := NewValidator(t.TempDir())
	assert.NoError(t, v.Check(nil))
	assert.NoError(t, v.Check(&model.Record{Category: model.CategoryCERL}))
}

func TestSchemaCompiledOnce(t *testing.T) {
	root := t.TempDir()
	writeSchema(t, root, model.CategoryCERL, cerlSchema)

	v := NewValidator(root)
	rec := &model.Record{
		Category: model.CategoryCERL,
		Fields:   map[string]any{"PrincipalCompanyName": "X", "TaxId": "1"},
	}
	require.NoError(t, v.Check(rec))

	// Deleting the file after first use must not matter; the compiled
	// schema is cached.
	require.NoError(t, os.Remove(filepath.Join(root, "evaluation", "CERL", "schema.json")))
	assert.NoError(t, v.Check(rec))
}

func TestLoadManifest(t *testing.T) {
	root := t.TempDir()
	body := `categories:
  CERL:
    extractable: true
    schema: evaluation/CERL/schema.json
  FORREVIEW:
    extractable: false
`
	path := filepath.Join(root, "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.True(t, m.Categories["CERL"].Extractable)
	assert.False(t, m.Categories["FORREVIEW"].Extractable)

	_, err = LoadManifest(filepath.Join(root, "missing.yaml"))
	assert.Error(t, err)
}

func TestManifestExtractable(t *testing.T) {
	m := &Manifest{Categories: map[string]CategoryEntry{
		"CERL": {Extractable: true},
		"ACC":  {Extractable: false},
	}}
	assert.True(t, m.Extractable(model.CategoryCERL))
	assert.False(t, m.Extractable("ACC"))
	assert.False(t, m.Extractable("NOT_LISTED"))
}

func TestValidatorWithManifestSchemaPath(t *testing.T) {
	root := t.TempDir()

	// Schema lives at a manifest-declared path, not the evaluation tree.
	dir := filepath.Join(root, "schemas")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cerl.json"), []byte(cerlSchema), 0o644))

	m := &Manifest{Categories: map[string]CategoryEntry{
		"CERL": {Extractable: true, Schema: "schemas/cerl.json"},
	}}
	v := NewValidatorWithManifest(root, m)

	rec := &model.Record{
		Category: model.CategoryCERL,
		Fields:   map[string]any{"TaxId": "800035887"},
	}
	err := v.Check(rec)
	require.Error(t, err)
	assert.True(t, rec.RequiresReview)
}
