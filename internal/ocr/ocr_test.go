package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextLayer_BinPath(t *testing.T) {
	p := NewTextLayer("")
	assert.Equal(t, "pdftotext", p.binPath)

	p = NewTextLayer("/custom/pdftotext")
	assert.Equal(t, "/custom/pdftotext", p.binPath)
}

func TestTextLayer_BinaryNotFound(t *testing.T) {
	p := NewTextLayer("/nonexistent/pdftotext")
	_, err := p.ExtractText(context.Background(), []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
}

func TestTextLayer_Success(t *testing.T) {
	// Fake pdftotext that echoes content regardless of input.
	tmpDir := t.TempDir()
	fakeBin := filepath.Join(tmpDir, "pdftotext")
	script := "#!/bin/sh\necho 'Certificado de existencia y representacion legal'\n"
	require.NoError(t, os.WriteFile(fakeBin, []byte(script), 0755))

	p := NewTextLayer(fakeBin)
	text, err := p.ExtractText(context.Background(), []byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	assert.Contains(t, text, "Certificado de existencia")
}

func TestTextLayer_EmptyOutputIsNoText(t *testing.T) {
	tmpDir := t.TempDir()
	fakeBin := filepath.Join(tmpDir, "pdftotext")
	script := "#!/bin/sh\necho ' x '\n"
	require.NoError(t, os.WriteFile(fakeBin, []byte(script), 0755))

	p := NewTextLayer(fakeBin)
	_, err := p.ExtractText(context.Background(), []byte("%PDF-1.4 scanned"))
	assert.ErrorIs(t, err, ErrNoText)
}

func opticalTestServer(t *testing.T, pages map[string]opticalJobResponse, pollsUntilDone int) *httptest.Server {
	t.Helper()
	polls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var req opticalSubmitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotEmpty(t, req.Document)
			json.NewEncoder(w).Encode(opticalSubmitResponse{JobID: "job-1"}) //nolint:errcheck
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1":
			polls++
			status := "running"
			if polls > pollsUntilDone {
				status = "succeeded"
			}
			json.NewEncoder(w).Encode(opticalJobResponse{Status: status}) //nolint:errcheck
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1/results":
			token := r.URL.Query().Get("next_token")
			json.NewEncoder(w).Encode(pages[token]) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func fastOptical(endpoint string) *Optical {
	o := NewOptical(endpoint, "test-key")
	o.pollInterval = time.Millisecond
	o.pollTimeout = time.Second
	return o
}

func TestOptical_SubmitPollPaginate(t *testing.T) {
	pages := map[string]opticalJobResponse{
		"": {
			Status:    "succeeded",
			Blocks:    []opticalBlock{{Type: "line", Text: "NIT: 900.123.456-7"}},
			NextToken: "page-2",
		},
		"page-2": {
			Status: "succeeded",
			Blocks: []opticalBlock{{Type: "line", Text: "ACME COLOMBIA S.A.S"}},
		},
	}
	srv := opticalTestServer(t, pages, 2)
	defer srv.Close()

	text, err := fastOptical(srv.URL).ExtractText(context.Background(), []byte("%PDF-1.4 scan"))
	require.NoError(t, err)
	assert.Equal(t, "NIT: 900.123.456-7\nACME COLOMBIA S.A.S", text)
}

func TestOptical_JobFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(opticalSubmitResponse{JobID: "job-1"}) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(opticalJobResponse{Status: "failed", Error: "unreadable document"}) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := fastOptical(srv.URL).ExtractText(context.Background(), []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable document")
}

func TestOptical_SubmitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	_, err := fastOptical(srv.URL).ExtractText(context.Background(), []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit returned 401")
}

func TestOptical_ShortResultIsNoText(t *testing.T) {
	pages := map[string]opticalJobResponse{
		"": {
			Status: "succeeded",
			Blocks: []opticalBlock{{Type: "line", Text: "x"}},
		},
	}
	srv := opticalTestServer(t, pages, 0)
	defer srv.Close()

	_, err := fastOptical(srv.URL).ExtractText(context.Background(), []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, ErrNoText)
}
