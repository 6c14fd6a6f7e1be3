package llm

import (
	"encoding/base64"
	"strings"
)

// ParamStyle names the request-body convention a model family expects.
type ParamStyle string

const (
	// StyleAnthropic uses snake_case keys (max_tokens, top_p) with
	// system and messages at the top level.
	StyleAnthropic ParamStyle = "anthropic"
	// StyleConverse uses camelCase keys (maxTokens, topP) nested under
	// an inferenceConfig object.
	StyleConverse ParamStyle = "converse"
)

// StyleForModel routes a model identifier to its parameter family by
// substring. Model IDs are provider-prefixed, so matching on the prefix
// fragment is stable across versions.
func StyleForModel(model string) ParamStyle {
	if strings.Contains(strings.ToLower(model), "anthropic") ||
		strings.Contains(strings.ToLower(model), "claude") {
		return StyleAnthropic
	}
	return StyleConverse
}

// BuildBody assembles the JSON request body for a raw model endpoint,
// choosing parameter names by the model's family. Two models that accept
// the same logical request need different key spellings on the wire.
func BuildBody(req Request) map[string]any {
	content := []map[string]any{}
	if len(req.Document) > 0 {
		mediaType := req.MediaType
		if mediaType == "" {
			mediaType = "application/pdf"
		}
		content = append(content, map[string]any{
			"type": "document",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       base64.StdEncoding.EncodeToString(req.Document),
			},
		})
	}
	content = append(content, map[string]any{
		"type": "text",
		"text": req.Prompt,
	})

	messages := []map[string]any{
		{"role": "user", "content": content},
	}

	switch StyleForModel(req.Model) {
	case StyleAnthropic:
		body := map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        req.MaxTokens,
			"messages":          messages,
		}
		if req.System != "" {
			body["system"] = req.System
		}
		if req.TopP != nil {
			body["top_p"] = *req.TopP
		}
		return body
	default:
		inference := map[string]any{
			"maxTokens": req.MaxTokens,
		}
		if req.TopP != nil {
			inference["topP"] = *req.TopP
		}
		body := map[string]any{
			"messages":        messages,
			"inferenceConfig": inference,
		}
		if req.System != "" {
			body["system"] = []map[string]any{{"text": req.System}}
		}
		return body
	}
}
