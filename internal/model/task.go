package model

import (
	"regexp"
	"strings"
)

// Stage names the pipeline stage a task belongs to.
type Stage string

const (
	StageClassification Stage = "classification"
	StageExtraction     Stage = "extraction"
	StageRecovery       Stage = "recovery"
)

// DocumentRef identifies one stored source object. VersionHint carries the
// content-version token from the inbound event when the publisher already
// knows it; the lock manager resolves the authoritative version itself when
// the hint is empty.
type DocumentRef struct {
	Container   string `json:"container"`
	Key         string `json:"key"`
	VersionHint string `json:"version_hint,omitempty"`
}

// Path renders the reference as a store URI.
func (r DocumentRef) Path() string {
	return "store://" + r.Container + "/" + r.Key
}

// DocumentTask is the payload that travels between pipeline stages. It
// carries forward which model path the upstream stage used so downstream
// stages can bias their attempt order toward the model that last worked.
type DocumentTask struct {
	Path           string   `json:"path"`
	Category       Category `json:"category"`
	DocumentNumber string   `json:"document_number"`
	DocumentType   string   `json:"document_type"`

	// Prior attempt trail from the upstream stage.
	FallbackUsed bool     `json:"fallback_used,omitempty"`
	ModelsTried  []string `json:"models_tried,omitempty"`
	PriorStatus  Status   `json:"prior_status,omitempty"`
	PriorError   string   `json:"prior_error,omitempty"`
	SourceStage  Stage    `json:"source_stage,omitempty"`
}

// Ref parses the task path back into a DocumentRef. Tasks with paths that
// are not store URIs yield a ref with an empty container; the object key is
// the raw path so diagnostics still carry it.
func (t DocumentTask) Ref() DocumentRef {
	container, key, ok := SplitPath(t.Path)
	if !ok {
		return DocumentRef{Key: t.Path}
	}
	return DocumentRef{Container: container, Key: key}
}

// SplitPath splits a "store://container/key..." URI into its parts.
func SplitPath(path string) (container, key string, ok bool) {
	const scheme = "store://"
	if !strings.HasPrefix(path, scheme) {
		return "", "", false
	}
	rest := strings.SplitN(path[len(scheme):], "/", 2)
	if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
		return "", "", false
	}
	return rest[0], rest[1], true
}

var documentNumberPattern = regexp.MustCompile(`/(\d{6,})(?:/|$)`)

// DocumentNumberFromPath derives the document number from a stored-object
// path segment of six or more digits, e.g. ".../CERL/800035887/scan.pdf".
func DocumentNumberFromPath(path string) string {
	if m := documentNumberPattern.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	return "UNKNOWN"
}
