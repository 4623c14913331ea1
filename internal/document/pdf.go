// Package document validates binary documents produced by renderers before
// they are accepted as artifacts.
package document

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrInvalidPDF is returned when a payload is not a readable PDF.
var ErrInvalidPDF = errors.New("invalid pdf")

// PDFInfo summarises a validated PDF.
type PDFInfo struct {
	Pages int
}

// ValidatePDF parses and validates data with pdfcpu and reports its page
// count. A document without pages is rejected.
func ValidatePDF(data []byte) (PDFInfo, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return PDFInfo{}, fmt.Errorf("%w: missing header", ErrInvalidPDF)
	}
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return PDFInfo{}, fmt.Errorf("%w: %w", ErrInvalidPDF, err)
	}
	if ctx.PageCount < 1 {
		return PDFInfo{}, fmt.Errorf("%w: no pages", ErrInvalidPDF)
	}
	return PDFInfo{Pages: ctx.PageCount}, nil
}
