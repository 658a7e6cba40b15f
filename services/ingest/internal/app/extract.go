package app

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is the extracted text of one PDF page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Extraction holds the non-empty pages of a document and its total page count.
type Extraction struct {
	TotalPages int
	Pages      []Page
}

// PageExtractor reads a document from a local path.
type PageExtractor func(path string) (Extraction, error)

// ExtractPDFPages extracts plain text page by page. Pages that fail to decode
// or carry no text are skipped but still count toward TotalPages. The pdf
// reader panics on malformed objects; those come back as errors.
func ExtractPDFPages(path string) (doc Extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = Extraction{}, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	file, reader, err := pdf.Open(path)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return Extraction{}, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	out := Extraction{TotalPages: reader.NumPage()}
	for i := 1; i <= out.TotalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = normalizeText(text); text != "" {
			out.Pages = append(out.Pages, Page{Number: i, Text: text})
		}
	}
	return out, nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.Fields(text), " ")
}
