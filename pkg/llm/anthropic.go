package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// anthropicInvoker implements Invoker using the official anthropic-sdk-go.
type anthropicInvoker struct {
	client sdk.Client
}

// NewAnthropic creates an Invoker backed by the Anthropic Messages API.
func NewAnthropic(apiKey string, opts ...option.RequestOption) Invoker {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &anthropicInvoker{client: sdk.NewClient(all...)}
}

func (c *anthropicInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, 2)
	if len(req.Document) > 0 {
		blocks = append(blocks, sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{
			Data: base64.StdEncoding.EncodeToString(req.Document),
		}))
	}
	blocks = append(blocks, sdk.NewTextBlock(req.Prompt))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		if throttle := asThrottle(err); throttle != nil {
			return nil, throttle
		}
		return nil, eris.Wrapf(err, "anthropic: invoke %s", req.Model)
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}

	return &Response{
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: mapStopReason(string(msg.StopReason)),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

// asThrottle converts API rate-limit and overload rejections into a
// typed ThrottleError. Returns nil for everything else.
func asThrottle(err error) *ThrottleError {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 429:
			return &ThrottleError{Service: "anthropic", Code: "rate_limit_error", Err: err}
		case 529:
			return &ThrottleError{Service: "anthropic", Code: "overloaded_error", Err: err}
		}
	}
	return nil
}

func mapStopReason(reason string) StopReason {
	switch reason {
	case "refusal", "content_filtered":
		return StopContentFiltered
	case "max_tokens":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
