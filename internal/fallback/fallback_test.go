package fallback

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/ocr"
	"github.com/corfid/docpipe/internal/resilience"
	"github.com/corfid/docpipe/internal/result"
	"github.com/corfid/docpipe/pkg/llm"
)

// scriptedInvoker replays canned responses in call order and records
// every request it saw.
type scriptedInvoker struct {
	responses []*llm.Response
	errs      []error
	calls     []llm.Request
}

func (s *scriptedInvoker) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	i := len(s.calls)
	s.calls = append(s.calls, req)
	if i >= len(s.responses) {
		return nil, errors.New("unscripted call")
	}
	if s.errs != nil && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.responses[i], nil
}

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) ExtractText(context.Context, []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func ok(text string) *llm.Response {
	return &llm.Response{Text: text, StopReason: llm.StopEndTurn}
}

func filtered() *llm.Response {
	return &llm.Response{StopReason: llm.StopContentFiltered}
}

func parseJSON(raw, path string) *model.Record {
	if strings.HasPrefix(raw, "{") {
		return &model.Record{Category: model.CategoryCERL, Method: model.ParseMethodFencedBlock}
	}
	return model.ErrorRecord(path, raw)
}

func newTestOrchestrator(inv llm.Invoker, text, optical ocr.Extractor) *Orchestrator {
	return New(Config{
		Invoker:   inv,
		TextLayer: text,
		Optical:   optical,
		Primary:   "model-a",
		Secondary: "model-b",
		MaxTokens: 4000,
		Retry:     resilience.RetryConfig{MaxAttempts: 1},
	})
}

func testRequest() Request {
	return Request{
		Task:   model.DocumentTask{Path: "store://docs/CERL/800035887/scan.pdf"},
		Stage:  model.StageExtraction,
		System: "system",
		Prompt: "extract the fields",
		PDF:    []byte("%PDF-1.4 fake"),
		Parse:  parseJSON,
	}
}

func TestRunPrimarySucceeds(t *testing.T) {
	inv := &scriptedInvoker{responses: []*llm.Response{ok(`{"x":1}`)}}
	o := newTestOrchestrator(inv, &fakeExtractor{text: "hola"}, nil)

	out := o.Run(context.Background(), testRequest())

	require.True(t, out.Succeeded())
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 1, out.CallCount)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "model-a", inv.calls[0].Model)
	assert.NotNil(t, inv.calls[0].Document)
	require.NotNil(t, out.Final)
	assert.Equal(t, result.TechniqueDirect, out.Final.Technique)
	assert.NotNil(t, out.Final.Record)
}

func TestRunSecondaryModelRescues(t *testing.T) {
	inv := &scriptedInvoker{
		responses: []*llm.Response{nil, ok(`{"x":1}`)},
		errs:      []error{errors.New("boom"), nil},
	}
	o := newTestOrchestrator(inv, nil, nil)

	out := o.Run(context.Background(), testRequest())

	require.True(t, out.Succeeded())
	assert.Equal(t, 2, out.CallCount)
	assert.Equal(t, "model-b", out.Final.Model)
	assert.Equal(t, result.TechniqueDirect, out.Final.Technique)
	require.Len(t, out.Trail, 2)
	assert.Equal(t, model.StatusModelError, out.Trail[0].Status)
}

func TestRunTextLayerRescues(t *testing.T) {
	inv := &scriptedInvoker{
		responses: []*llm.Response{ok("not json"), ok("not json"), ok(`{"x":1}`)},
	}
	o := newTestOrchestrator(inv, &fakeExtractor{text: "extracted body"}, nil)

	out := o.Run(context.Background(), testRequest())

	require.True(t, out.Succeeded())
	assert.Equal(t, "model-b", out.Final.Model)
	assert.Equal(t, result.TechniqueTextLayer, out.Final.Technique)

	// The text prompt carries the extracted content, not the PDF.
	last := inv.calls[2]
	assert.Nil(t, last.Document)
	assert.Contains(t, last.Prompt, "--- CONTENIDO DEL DOCUMENTO ---")
	assert.Contains(t, last.Prompt, "extracted body")
}

func TestRunOpticalRescuesWhenTextLayerEmpty(t *testing.T) {
	inv := &scriptedInvoker{
		responses: []*llm.Response{ok("not json"), ok("not json"), ok(`{"x":1}`)},
	}
	o := newTestOrchestrator(inv,
		&fakeExtractor{err: ocr.ErrNoText},
		&fakeExtractor{text: "ocr text"})

	out := o.Run(context.Background(), testRequest())

	require.True(t, out.Succeeded())
	assert.Equal(t, result.TechniqueOptical, out.Final.Technique)
	assert.Equal(t, 3, out.CallCount)
	assert.Contains(t, inv.calls[2].Prompt, "ocr text")
}

func TestRunExhaustedGoesToManualReview(t *testing.T) {
	inv := &scriptedInvoker{
		responses: []*llm.Response{ok("not json"), ok("not json"), ok("not json"), ok("not json")},
	}
	o := newTestOrchestrator(inv,
		&fakeExtractor{text: "layer"},
		&fakeExtractor{text: "ocr"})

	out := o.Run(context.Background(), testRequest())

	assert.False(t, out.Succeeded())
	assert.Equal(t, StateManualReview, out.State)
	assert.Equal(t, 4, out.CallCount)
	require.NotNil(t, out.Final)
	assert.Equal(t, model.StatusParseError, out.Final.Status)
	assert.Len(t, out.Trail, 4)
}

func TestRunFinalFailurePrefersContentFiltered(t *testing.T) {
	inv := &scriptedInvoker{
		responses: []*llm.Response{nil, filtered()},
		errs:      []error{errors.New("down"), nil},
	}
	o := newTestOrchestrator(inv, nil, nil)

	out := o.Run(context.Background(), testRequest())

	assert.Equal(t, StateManualReview, out.State)
	require.NotNil(t, out.Final)
	assert.Equal(t, model.StatusContentFiltered, out.Final.Status)
	assert.Equal(t, "model-b", out.Final.Model)
}

func TestRunFallbackBiasFlipsModelOrder(t *testing.T) {
	inv := &scriptedInvoker{responses: []*llm.Response{ok(`{"x":1}`)}}
	o := newTestOrchestrator(inv, nil, nil)

	req := testRequest()
	req.Task.FallbackUsed = true
	out := o.Run(context.Background(), req)

	require.True(t, out.Succeeded())
	assert.Equal(t, "model-b", inv.calls[0].Model)
}

func TestRunSkipsMissingExtractors(t *testing.T) {
	inv := &scriptedInvoker{
		responses: []*llm.Response{ok("not json"), ok("not json")},
	}
	o := newTestOrchestrator(inv, nil, nil)

	out := o.Run(context.Background(), testRequest())

	assert.Equal(t, StateManualReview, out.State)
	assert.Equal(t, 2, out.CallCount)
	assert.Len(t, inv.calls, 2)
}

func TestRunRespectsCallBudget(t *testing.T) {
	// Budget is models*3+1 = 7; every scripted call fails to parse so the
	// cascade keeps going, but it can never exceed the budget.
	responses := make([]*llm.Response, 12)
	for i := range responses {
		responses[i] = ok("not json")
	}
	inv := &scriptedInvoker{responses: responses}
	o := newTestOrchestrator(inv,
		&fakeExtractor{text: "layer"},
		&fakeExtractor{text: "ocr"})

	out := o.Run(context.Background(), testRequest())

	assert.Equal(t, StateManualReview, out.State)
	assert.LessOrEqual(t, out.CallCount, 7)
	assert.LessOrEqual(t, len(inv.calls), 7)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "trying_primary", StateTryingPrimary.String())
	assert.Equal(t, "manual_review", StateManualReview.String())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateManualReview.Terminal())
	assert.False(t, StateTryingOptical.Terminal())
}
