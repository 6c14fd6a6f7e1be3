package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/pkg/llm"
)

func TestBetterPrefersHigherPriority(t *testing.T) {
	filtered := &Attempt{Model: "a", Status: model.StatusContentFiltered}
	parseErr := &Attempt{Model: "b", Status: model.StatusParseError}
	modelErr := &Attempt{Model: "c", Status: model.StatusModelError}

	assert.Same(t, filtered, Better(parseErr, filtered))
	assert.Same(t, filtered, Better(filtered, parseErr))
	assert.Same(t, parseErr, Better(modelErr, parseErr))
	assert.Same(t, filtered, Better(filtered, modelErr))
}

func TestBetterTieKeepsFirst(t *testing.T) {
	first := &Attempt{Model: "primary", Status: model.StatusParseError}
	second := &Attempt{Model: "secondary", Status: model.StatusParseError}

	assert.Same(t, first, Better(first, second))
}

func TestBetterNilHandling(t *testing.T) {
	a := &Attempt{Model: "a", Status: model.StatusModelError}
	assert.Same(t, a, Better(nil, a))
	assert.Same(t, a, Better(a, nil))
	assert.Nil(t, Better(nil, nil))
}

func TestRunRecordFinish(t *testing.T) {
	rec := NewRunRecord("store://docs/1029384756/cert.pdf", model.StageClassification)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, "1029384756", rec.DocumentNumber)

	trail := []Attempt{
		{
			Model:  "claude-sonnet-4-5-20250929",
			Status: model.StatusModelError,
			Usage:  llm.Usage{InputTokens: 100, OutputTokens: 10},
		},
		{
			Model:     "claude-haiku-4-5-20251001",
			Technique: TechniqueDirect,
			Status:    model.StatusSuccess,
			Usage:     llm.Usage{InputTokens: 120, OutputTokens: 40},
			Record: &model.Record{
				Category: model.CategoryCERL,
				Method:   model.ParseMethodFencedBlock,
			},
		},
	}
	rec.Finish(&trail[1], trail)

	assert.Equal(t, model.StatusSuccess, rec.Status)
	// The model the cascade led with, distinct from the one that answered.
	assert.Equal(t, "claude-sonnet-4-5-20250929", rec.PrimaryModel)
	assert.Equal(t, "claude-haiku-4-5-20251001", rec.FinalModel)
	assert.Equal(t, []string{"claude-sonnet-4-5-20250929", "claude-haiku-4-5-20251001"}, rec.ModelsTried)
	assert.True(t, rec.FallbackUsed)
	assert.Equal(t, 2, rec.CallCount)
	assert.Equal(t, int64(220), rec.Usage.InputTokens)
	assert.Equal(t, int64(50), rec.Usage.OutputTokens)
	assert.Equal(t, model.CategoryCERL, rec.Category)
	assert.Equal(t, model.ParseMethodFencedBlock, rec.ParseMethod)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestRunRecordFinishNoAttempts(t *testing.T) {
	rec := NewRunRecord("store://docs/a.pdf", model.StageExtraction)
	rec.Finish(nil, nil)

	assert.Equal(t, model.StatusModelError, rec.Status)
	assert.False(t, rec.FallbackUsed)
	assert.Zero(t, rec.CallCount)
}
