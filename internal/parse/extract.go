package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
)

const snippetLimit = 500

var (
	fencedJSON = regexp.MustCompile("```json\\s*(\\{[\\s\\S]*?\\})\\s*```")
	// looseObject matches JSON objects with at most one level of nesting,
	// enough to pick field payloads out of surrounding prose.
	looseObject = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
)

// Extraction parses an extraction response into a Record, trying six
// strategies from strictest to loosest. It always returns a record; the
// terminal fallback flags the document for manual review with a raw
// snippet attached.
func Extraction(raw, path string) *model.Record {
	// Method 1: JSON inside a markdown code fence.
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		if rec := decodeExtraction(m[1], path, model.ParseMethodFencedBlock); rec != nil {
			return rec
		}
	}

	// Method 2: bare JSON object located by brace matching.
	if obj := balancedObject(raw); obj != "" {
		if rec := decodeExtraction(obj, path, model.ParseMethodBalancedBraces); rec != nil {
			return rec
		}
	}

	// Method 3: every loose object candidate, first one that decodes wins.
	for _, candidate := range looseObject.FindAllString(raw, -1) {
		if rec := decodeExtraction(candidate, path, model.ParseMethodRegexCandidates); rec != nil {
			return rec
		}
	}

	// Method 4: the model said it cannot see the document.
	if notVisible(raw) {
		zap.L().Info("model reported missing document", zap.String("path", path))
		return model.ForReviewRecord(path)
	}

	// Method 5: salvage structured data from natural language.
	if rec := naturalLanguage(raw, path); rec != nil {
		return rec
	}

	// Method 6: give up, but keep evidence for triage.
	snippet := raw
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit]
	}
	zap.L().Error("all parse strategies exhausted",
		zap.String("path", path),
		zap.Int("response_length", len(raw)))
	return model.ErrorRecord(path, snippet)
}

// balancedObject returns the first brace-balanced object in text, or ""
// when braces never balance.
func balancedObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func notVisible(text string) bool {
	return strings.Contains(text, "ForReview") ||
		strings.Contains(strings.ToLower(text), "no document") ||
		strings.Contains(text, "not see any PDF")
}

func decodeExtraction(text, path string, method model.ParseMethod) *model.Record {
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil
	}
	return extractionRecord(data, path, method)
}

// extractionRecord builds a Record from decoded extraction JSON. The
// field payload may sit under "result" or at the top level.
func extractionRecord(data map[string]any, path string, method model.ParseMethod) *model.Record {
	payload, ok := data["result"].(map[string]any)
	if !ok {
		payload = data
	}

	rec := &model.Record{
		Category:       model.ParseCategory(anyString(data["Category"], data["category"])),
		DocumentNumber: model.DocumentNumberFromPath(path),
		DocumentType:   anyString(data["DocumentType"], data["document_type"]),
		Path:           path,
		Fields:         payload,
		RelatedParties: relatedParties(payload["RelatedParties"]),
		Method:         method,
	}
	if rec.DocumentType == "" {
		rec.DocumentType = "unknown"
	}
	return rec
}

func anyString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func relatedParties(v any) []model.RelatedParty {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var parties []model.RelatedParty
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		parties = append(parties, model.RelatedParty{
			Name:           anyString(entry["name"], entry["Name"]),
			Identification: anyString(entry["identification"], entry["Identification"]),
			Shares:         anyString(entry["shares"], entry["Shares"]),
			Percentage:     anyString(entry["percentage"], entry["Percentage"]),
		})
	}
	return parties
}
