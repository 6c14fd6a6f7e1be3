package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// TextLayer extracts the PDF's embedded text layer using the pdftotext
// CLI tool.
type TextLayer struct {
	binPath string
}

// NewTextLayer creates a TextLayer extractor. If binPath is empty,
// "pdftotext" is used.
func NewTextLayer(binPath string) *TextLayer {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &TextLayer{binPath: binPath}
}

// ExtractText writes the PDF to a temp file, runs pdftotext -layout and
// returns stdout. Returns ErrNoText when the document has no meaningful
// text layer.
func (p *TextLayer) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	dir, err := os.MkdirTemp("", "ocr-textlayer-")
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	pdfPath := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o600); err != nil {
		return "", eris.Wrap(err, "ocr: write temp pdf")
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext failed: %s", stderr.String())
	}

	text := stdout.String()
	if len(strings.TrimSpace(text)) < minTextLength {
		return "", ErrNoText
	}
	return text, nil
}
