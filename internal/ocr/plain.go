package ocr

import (
	"bytes"
	"context"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// PlainText returns text documents as-is after stripping a UTF-8 BOM.
type PlainText struct{}

// ExtractText implements Extractor.
func (PlainText) ExtractText(_ context.Context, doc Document) (string, error) {
	data := bytes.TrimPrefix(doc.Data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", eris.Errorf("ocr: %s is not valid UTF-8 text", doc.Name)
	}
	return string(data), nil
}
