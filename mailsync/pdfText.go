package mailsync

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

const maxExtractedText = 200_000

// ExtractPDFText returns the plain text layer of a PDF. Scanned documents
// yield an empty string.
func ExtractPDFText(data []byte) (text string, err error) {
	// the reader panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	rd, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(io.LimitReader(rd, maxExtractedText))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
