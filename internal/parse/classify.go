package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
)

// Classification parses a classification response into a Record. It
// never fails: when every strategy is exhausted the record carries
// CategoryUnknown and the cleanup trail in Text.
func Classification(raw, path string) *model.Record {
	text := stripFences(raw)

	if rec := decodeClassification(text, path, model.ParseMethodFencedBlock); rec != nil {
		return rec
	}

	// Last-chance slice: first '{' through last '}'.
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start != -1 && end > start {
		if rec := decodeClassification(text[start:end+1], path, model.ParseMethodBalancedBraces); rec != nil {
			return rec
		}
	}

	return classificationRepair(text, path)
}

func decodeClassification(text, path string, method model.ParseMethod) *model.Record {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil
	}
	return classificationRecord(normalizeKeys(fields), path, method)
}

// classificationRepair corrects the malformed escapes that break JSON
// decoding, and if decoding still fails, salvages the category and text
// fields individually. It never guesses at content: when neither field
// survives, the record is terminal so the cascade keeps going.
func classificationRepair(text, path string) *model.Record {
	zap.L().Info("repairing corrupt classification JSON", zap.String("path", path))
	repaired := repairEscapes(text)

	if rec := decodeClassification(repaired, path, model.ParseMethodEscapeRepair); rec != nil {
		return rec
	}

	catMatch := categoryField.FindStringSubmatch(repaired)
	textMatch := textField.FindStringSubmatch(repaired)
	if catMatch == nil && textMatch == nil {
		snippet := repaired
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		zap.L().Error("classification response unsalvageable",
			zap.String("path", path), zap.Int("response_length", len(text)))
		return model.ErrorRecord(path, snippet)
	}

	// The category value is rarely corrupted; pull it out directly.
	category := "UNKNOWN"
	if catMatch != nil {
		category = catMatch[1]
	}

	body := "[UNPARSEABLE CONTENT - CORRUPT CHARACTERS]"
	if textMatch != nil {
		body = strings.ReplaceAll(textMatch[1], `\"`, `"`)
		body = trailingBackslashes.ReplaceAllString(body, "")
	}

	return classificationRecord(map[string]any{
		"category": category,
		"text":     body,
	}, path, model.ParseMethodEscapeRepair)
}

var (
	categoryField       = regexp.MustCompile(`"category"\s*:\s*"([^"]+)"`)
	textField           = regexp.MustCompile(`(?s)"text"\s*:\s*"(.*)"(?:\s*}?\s*$)`)
	trailingBackslashes = regexp.MustCompile(`\\+$`)
)

func classificationRecord(fields map[string]any, path string, method model.ParseMethod) *model.Record {
	rec := &model.Record{
		Category:       model.ParseCategory(stringField(fields, "category")),
		DocumentNumber: model.DocumentNumberFromPath(path),
		DocumentType:   stringField(fields, "document_type"),
		Path:           path,
		Text:           stringField(fields, "text"),
		Method:         method,
	}
	if rec.Category == model.CategoryUnknown {
		rec.RequiresReview = true
	}
	return rec
}

// normalizeKeys case-folds map keys and renames documenttype variants to
// document_type.
func normalizeKeys(fields map[string]any) map[string]any {
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		norm[strings.ToLower(k)] = v
	}
	if v, ok := norm["documenttype"]; ok {
		if _, exists := norm["document_type"]; !exists {
			norm["document_type"] = v
		}
		delete(norm, "documenttype")
	}
	return norm
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
