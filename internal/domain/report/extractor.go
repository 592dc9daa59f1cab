package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// MinDirectTextChars is the stripped length below which a PDF's text layer
// is treated as a scanned image.
const MinDirectTextChars = 50

// TextExtractionBackend reads text out of a PDF, either from the embedded
// text layer or by rendering and recognising each page.
type TextExtractionBackend interface {
	DirectText(ctx context.Context, path string) (string, error)
	OCRText(ctx context.Context, path string) (string, error)
}

// TextExtractor turns a document path into raw text.
type TextExtractor struct {
	backend  TextExtractionBackend
	minChars int
}

func NewTextExtractor(backend TextExtractionBackend) *TextExtractor {
	return &TextExtractor{backend: backend, minChars: MinDirectTextChars}
}

// Extract returns the direct text when it has at least MinDirectTextChars
// non-space characters around it, otherwise the OCR text. An OCR error fails
// the whole call; no partial text is returned.
func (x *TextExtractor) Extract(ctx context.Context, path string) (string, error) {
	log := zerolog.Ctx(ctx)

	text, err := x.backend.DirectText(ctx, path)
	if err != nil {
		log.Info().Err(err).Msg("direct text extraction failed, falling back to OCR")
	} else if len(strings.TrimSpace(text)) >= x.minChars {
		log.Info().Int("chars", len(text)).Msg("direct text extraction succeeded")
		return text, nil
	} else {
		log.Info().Int("chars", len(strings.TrimSpace(text))).Msg("text layer too short, likely scanned; falling back to OCR")
	}

	ocrText, ocrErr := x.backend.OCRText(ctx, path)
	if ocrErr != nil {
		if err != nil {
			return "", fmt.Errorf("%w: direct: %v; ocr: %v", ErrExtraction, err, ocrErr)
		}
		return "", fmt.Errorf("%w: ocr: %v", ErrExtraction, ocrErr)
	}
	log.Info().Int("chars", len(ocrText)).Msg("OCR extraction succeeded")
	return ocrText, nil
}
