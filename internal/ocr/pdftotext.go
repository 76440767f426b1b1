package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var pdfMagic = []byte("%PDF-")

// PdfToText reads the text layer of a PDF with poppler's pdftotext. Scanned
// contracts have no text layer and come back empty; those need the Mistral
// provider.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText spools the document to a temp file, runs pdftotext -layout on
// it and joins the form-feed separated pages with blank lines.
func (p *PdfToText) ExtractText(ctx context.Context, doc Document) (string, error) {
	if !bytes.HasPrefix(doc.Data, pdfMagic) {
		return "", eris.Wrapf(ErrUnsupportedType, "%s is labelled PDF but has no PDF header", doc.Name)
	}

	f, err := os.CreateTemp("", "contract-*.pdf")
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp file")
	}
	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err := f.Write(doc.Data); err != nil {
		f.Close() //nolint:errcheck
		return "", eris.Wrap(err, "ocr: write temp file")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "ocr: close temp file")
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", f.Name(), "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", doc.Name, strings.TrimSpace(stderr.String()))
	}

	pages := splitPages(stdout.String())
	if len(pages) == 0 {
		zap.L().Warn("ocr: pdf has no text layer",
			zap.String("document", doc.Name),
			zap.Int("bytes", len(doc.Data)),
		)
	}
	return strings.Join(pages, "\n\n"), nil
}

// splitPages breaks pdftotext output on form feeds, strips the trailing
// padding -layout leaves on each line and drops blank pages.
func splitPages(out string) []string {
	var pages []string
	for _, page := range strings.Split(out, "\f") {
		lines := strings.Split(page, "\n")
		for i, l := range lines {
			lines[i] = strings.TrimRight(l, " \t\r")
		}
		if p := strings.Trim(strings.Join(lines, "\n"), "\n"); strings.TrimSpace(p) != "" {
			pages = append(pages, p)
		}
	}
	return pages
}
