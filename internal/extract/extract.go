// Package extract pulls plain text out of uploaded documents.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/tonimelisma/researchroom/internal/record"
)

// maxDocumentBytes bounds what will be read from disk.
const maxDocumentBytes = 64 << 20

// ErrUnsupported is returned for file types that cannot be read.
var ErrUnsupported = errors.New("extract: unsupported document type")

// ExtractText returns the text content of the document at path. PDF pages
// are joined with a single space; .txt and .md files are returned as-is.
func ExtractText(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}

	if info.Size() > maxDocumentBytes {
		return "", fmt.Errorf("extract: %s is %d bytes, limit is %d: %w",
			path, info.Size(), maxDocumentBytes, record.ErrInvalidInput)
	}

	var text string

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf":
		text, err = pdfText(path)
	case ".txt", ".md", ".markdown":
		var b []byte
		b, err = os.ReadFile(path)
		text = string(b)
	default:
		return "", fmt.Errorf("%w: %q (%w)", ErrUnsupported, ext, record.ErrInvalidInput)
	}

	if err != nil {
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("extract: no text found in %s: %w", filepath.Base(path), record.ErrInvalidInput)
	}

	return text, nil
}

// pdfText reads every page's plain text. A page that fails to decode is
// skipped rather than failing the whole document.
func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("extract: opening pdf %s: %w: %w", filepath.Base(path), record.ErrInvalidInput, err)
	}
	defer f.Close()

	pages := make([]string, 0, r.NumPage())

	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}

		s, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}

		pages = append(pages, strings.TrimSpace(s))
	}

	return strings.Join(pages, " "), nil
}
