// Package ocr turns uploaded documents into plain text.
package ocr

import (
	"context"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/resilience"
)

// Content types the router understands.
const (
	TypePDF   = "application/pdf"
	TypePlain = "text/plain"
)

// Document is one stored upload handed to an Extractor.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// Extractor extracts text content from a document.
type Extractor interface {
	ExtractText(ctx context.Context, doc Document) (string, error)
}

// ErrUnsupportedType is returned for documents no extractor can read.
var ErrUnsupportedType = eris.New("ocr: unsupported document type")

// DetectType resolves a document's media type from its declared content
// type, its file extension and finally its leading bytes.
func DetectType(name, declared string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return TypePDF
	case ".txt", ".text", ".md":
		return TypePlain
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

// Router dispatches a document to the extractor for its media type.
type Router struct {
	pdf   Extractor
	plain Extractor
}

// NewRouter creates a router. pdf handles PDFs; plain text is read directly.
func NewRouter(pdf Extractor) *Router {
	return &Router{pdf: pdf, plain: PlainText{}}
}

// ExtractText implements Extractor.
func (r *Router) ExtractText(ctx context.Context, doc Document) (string, error) {
	mt := DetectType(doc.Name, doc.ContentType, doc.Data)
	switch {
	case mt == TypePDF:
		return r.pdf.ExtractText(ctx, doc)
	case strings.HasPrefix(mt, "text/"):
		return r.plain.ExtractText(ctx, doc)
	default:
		return "", eris.Wrapf(ErrUnsupportedType, "%s (%s)", doc.Name, mt)
	}
}

// NewExtractor builds the configured PDF extractor behind a Router.
func NewExtractor(cfg config.OCRConfig, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewRouter(NewPdfToText(cfg.PdfToTextPath)), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires ocr.mistral_key")
		}
		return NewRouter(NewMistralOCR(cfg.MistralKey, cfg.MistralModel,
			WithRetry(retry), WithBreaker(breaker))), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
