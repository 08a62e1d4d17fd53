package ordersync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pdfPage is one extracted page: decoded text for parsing plus the
// single-page PDF bytes retained for manual review.
type pdfPage struct {
	Number int
	Text   string
	Raw    []byte
}

// pageExtractor splits a PDF into per-page text. Tests substitute a fake
// so document parsing can be exercised without real PDF bytes.
type pageExtractor interface {
	ExtractPages(ctx context.Context, data []byte) ([]pdfPage, error)
}

type pdfcpuExtractor struct {
	conf *model.Configuration
}

func newPDFExtractor() *pdfcpuExtractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &pdfcpuExtractor{conf: conf}
}

func (e *pdfcpuExtractor) ExtractPages(ctx context.Context, data []byte) ([]pdfPage, error) {
	pdfCtx, err := api.ReadContext(bytes.NewReader(data), e.conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return nil, fmt.Errorf("validate pdf: %w", err)
	}

	pages := make([]pdfPage, 0, pdfCtx.PageCount)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		page := pdfPage{Number: pageNr}

		content, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err == nil && content != nil {
			raw, readErr := io.ReadAll(content)
			if readErr == nil {
				page.Text = decodeContentText(raw)
			}
		}

		var single bytes.Buffer
		if err := api.Trim(bytes.NewReader(data), &single, []string{fmt.Sprintf("%d", pageNr)}, e.conf); err == nil {
			page.Raw = single.Bytes()
		}

		pages = append(pages, page)
	}
	return pages, nil
}

// decodeContentText pulls literal strings out of a page content stream.
// Tj/TJ arguments become text; Td/TD/T* operators become line breaks.
// This covers the text produced by common invoice generators; pages using
// exotic encodings come out empty and are reported as unparseable.
func decodeContentText(content []byte) string {
	var out strings.Builder
	var word strings.Builder

	i := 0
	for i < len(content) {
		c := content[i]
		switch c {
		case '(':
			i++
			depth := 1
			for i < len(content) && depth > 0 {
				b := content[i]
				if b == '\\' && i+1 < len(content) {
					next := content[i+1]
					switch next {
					case 'n', 'r':
						out.WriteByte('\n')
					case 't':
						out.WriteByte(' ')
					case '(', ')', '\\':
						out.WriteByte(next)
					}
					i += 2
					continue
				}
				if b == '(' {
					depth++
				} else if b == ')' {
					depth--
					if depth == 0 {
						i++
						continue
					}
				}
				if depth > 0 {
					out.WriteByte(b)
				}
				i++
			}
		case '%':
			for i < len(content) && content[i] != '\n' {
				i++
			}
		default:
			if isOperatorChar(c) {
				word.WriteByte(c)
			} else {
				flushOperator(&out, &word)
			}
			i++
		}
	}
	flushOperator(&out, &word)
	return out.String()
}

func isOperatorChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*'
}

func flushOperator(out *strings.Builder, word *strings.Builder) {
	switch word.String() {
	case "Td", "TD", "T*", "ET":
		out.WriteByte('\n')
	case "TJ", "Tj":
		out.WriteByte(' ')
	}
	word.Reset()
}
