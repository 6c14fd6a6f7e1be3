package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadManifest(t *testing.T) {
	path := writeManifest(t, `
# queued documents
store://docs/CERL/800035887/scan.pdf
store://docs/RUT/900123456/scan.pdf

`)

	refs, err := readManifest(path)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "docs", refs[0].Container)
	assert.Equal(t, "CERL/800035887/scan.pdf", refs[0].Key)
	assert.Equal(t, "RUT/900123456/scan.pdf", refs[1].Key)
}

func TestReadManifestBadLine(t *testing.T) {
	path := writeManifest(t, "store://docs/a/b.pdf\nnot-a-store-uri\n")

	_, err := readManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadManifestMissingFile(t *testing.T) {
	_, err := readManifest(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestParseRef(t *testing.T) {
	ref, err := parseRef("store://docs/CERL/800035887/scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, "docs", ref.Container)
	assert.Equal(t, "CERL/800035887/scan.pdf", ref.Key)

	_, err = parseRef("s3://bucket/key")
	assert.Error(t, err)

	_, err = parseRef("store://docs")
	assert.Error(t, err)
}
