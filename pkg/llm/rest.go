package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
)

// restInvoker invokes models exposed over a plain JSON HTTP endpoint.
// It composes the request body per the model's parameter family, so the
// same invoker serves both snake_case and camelCase providers.
type restInvoker struct {
	endpoint string
	client   *resty.Client
}

// NewREST creates an Invoker for a generic model-inference endpoint.
func NewREST(endpoint, apiKey string) Invoker {
	client := resty.New()
	client.SetTimeout(5 * time.Minute)
	client.SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}
	return &restInvoker{endpoint: endpoint, client: client}
}

type restResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Output struct {
		Message struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	} `json:"output"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *restInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(BuildBody(req)).
		Post(c.endpoint + "/model/" + req.Model + "/invoke")
	if err != nil {
		return nil, eris.Wrapf(err, "llm: invoke %s", req.Model)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, &ThrottleError{
			Service: "model-endpoint",
			Code:    "too_many_requests",
			Err:     eris.New(resp.String()),
		}
	default:
		return nil, eris.Errorf("llm: %s returned %d: %s", req.Model, resp.StatusCode(), resp.String())
	}

	var body restResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, eris.Wrapf(err, "llm: unmarshal %s response", req.Model)
	}

	text := ""
	for _, b := range body.Content {
		if b.Type == "" || b.Type == "text" {
			text += b.Text
		}
	}
	// Converse-style providers nest the text under output.message.
	if text == "" {
		for _, b := range body.Output.Message.Content {
			text += b.Text
		}
	}

	return &Response{
		Model:      req.Model,
		Text:       text,
		StopReason: mapStopReason(body.StopReason),
		Usage: Usage{
			InputTokens:  body.Usage.InputTokens,
			OutputTokens: body.Usage.OutputTokens,
		},
	}, nil
}
