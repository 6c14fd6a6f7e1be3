// Package ocr recovers text from PDFs whose direct model processing
// failed. Two extractors exist: the embedded text layer (cheap, absent
// in scans) and a remote optical service (slow, works on anything).
package ocr

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrNoText is returned when a PDF yields no usable text, typically a
// scanned document with no text layer.
var ErrNoText = eris.New("ocr: no usable text in document")

// minTextLength is the threshold below which extracted text is treated
// as absent. Scans often yield a handful of stray glyphs.
const minTextLength = 20

// Extractor extracts text content from PDF bytes.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}
