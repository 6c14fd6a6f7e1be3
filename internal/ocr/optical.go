package ocr

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Optical extracts text through a remote OCR service. Jobs are
// asynchronous: submit the document, poll until the job settles, then
// page through the results.
type Optical struct {
	endpoint     string
	client       *resty.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewOptical creates an Optical extractor for the given service endpoint.
func NewOptical(endpoint, apiKey string) *Optical {
	client := resty.New()
	client.SetTimeout(2 * time.Minute)
	client.SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}
	return &Optical{
		endpoint:     strings.TrimRight(endpoint, "/"),
		client:       client,
		pollInterval: 2 * time.Second,
		pollTimeout:  5 * time.Minute,
	}
}

type opticalSubmitRequest struct {
	Document string `json:"document"`
	Format   string `json:"format"`
}

type opticalSubmitResponse struct {
	JobID string `json:"job_id"`
}

type opticalBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type opticalJobResponse struct {
	Status    string         `json:"status"` // "pending", "running", "succeeded", "failed"
	Error     string         `json:"error,omitempty"`
	NextToken string         `json:"next_token,omitempty"`
	Blocks    []opticalBlock `json:"blocks"`
}

// ExtractText runs the full submit/poll/paginate cycle and returns the
// recognized lines joined with newlines.
func (o *Optical) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	jobID, err := o.submit(ctx, pdf)
	if err != nil {
		return "", err
	}

	if err := o.waitForJob(ctx, jobID); err != nil {
		return "", err
	}

	text, err := o.collectResults(ctx, jobID)
	if err != nil {
		return "", err
	}
	if len(strings.TrimSpace(text)) < minTextLength {
		return "", ErrNoText
	}
	return text, nil
}

func (o *Optical) submit(ctx context.Context, pdf []byte) (string, error) {
	var submitted opticalSubmitResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(opticalSubmitRequest{
			Document: base64.StdEncoding.EncodeToString(pdf),
			Format:   "pdf",
		}).
		SetResult(&submitted).
		Post(o.endpoint + "/jobs")
	if err != nil {
		return "", eris.Wrap(err, "ocr: submit job")
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return "", eris.Errorf("ocr: submit returned %d: %s", resp.StatusCode(), resp.String())
	}
	if submitted.JobID == "" {
		return "", eris.New("ocr: submit response missing job_id")
	}
	zap.L().Debug("optical ocr job submitted", zap.String("job_id", submitted.JobID))
	return submitted.JobID, nil
}

func (o *Optical) waitForJob(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(o.pollTimeout)
	for {
		status, err := o.jobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		switch status.Status {
		case "succeeded":
			return nil
		case "failed":
			return eris.Errorf("ocr: job %s failed: %s", jobID, status.Error)
		}

		if time.Now().After(deadline) {
			return eris.Errorf("ocr: job %s timed out after %s", jobID, o.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

func (o *Optical) jobStatus(ctx context.Context, jobID string) (*opticalJobResponse, error) {
	var job opticalJobResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetResult(&job).
		Get(o.endpoint + "/jobs/" + jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: poll job %s", jobID)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, eris.Errorf("ocr: poll returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &job, nil
}

// collectResults pages through the job's result blocks. Large documents
// return results in chunks linked by next_token.
func (o *Optical) collectResults(ctx context.Context, jobID string) (string, error) {
	var sb strings.Builder
	token := ""
	for {
		var page opticalJobResponse
		req := o.client.R().SetContext(ctx).SetResult(&page)
		if token != "" {
			req.SetQueryParam("next_token", token)
		}
		resp, err := req.Get(o.endpoint + "/jobs/" + jobID + "/results")
		if err != nil {
			return "", eris.Wrapf(err, "ocr: fetch results for job %s", jobID)
		}
		if resp.StatusCode() != http.StatusOK {
			return "", eris.Errorf("ocr: results returned %d: %s", resp.StatusCode(), resp.String())
		}

		for _, block := range page.Blocks {
			if block.Type == "line" || block.Type == "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(block.Text)
			}
		}

		if page.NextToken == "" {
			return sb.String(), nil
		}
		token = page.NextToken
	}
}
