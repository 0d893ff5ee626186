package document

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// OpenPDF parses a PDF deck. Page text is extracted eagerly so the deck is
// immutable afterwards; the raw bytes are kept in a temp file only when a
// rasterizer is configured.
func OpenPDF(data []byte, filename string, opts Options) (deck *Deck, err error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, &LoadError{Source: filename, Err: errors.New("not a PDF file")}
	}

	pages, err := extractPDFPages(data)
	if err != nil {
		return nil, &LoadError{Source: filename, Err: err}
	}
	if len(pages) == 0 {
		return nil, &LoadError{Source: filename, Err: errors.New("document has no pages")}
	}

	deck = &Deck{
		title:       titleFromFilename(filename),
		fingerprint: Fingerprint(data),
		pages:       pages,
		raster:      opts.Rasterizer,
	}

	needFile := opts.Rasterizer != nil || (opts.FallbackPdftotext && hasBlankPage(pages))
	if !needFile {
		return deck, nil
	}

	tmp, err := os.CreateTemp("", "doubtsolve-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	if opts.FallbackPdftotext && hasBlankPage(pages) {
		if text, err := extractPdftotext(tmpPath); err == nil {
			fillBlankPages(pages, splitPages(text))
		}
	}

	if opts.Rasterizer == nil {
		os.Remove(tmpPath)
		return deck, nil
	}
	deck.pdfPath = tmpPath
	return deck, nil
}

// extractPDFPages returns one text entry per page. Pages the parser cannot
// read are left blank rather than failing the whole deck.
func extractPDFPages(data []byte) (pages []string, err error) {
	// The parser panics on some malformed object graphs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages = make([]string, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages[i-1] = strings.TrimSpace(text)
	}
	return pages, nil
}

func extractPdftotext(path string) (string, error) {
	cmd := exec.Command("pdftotext", "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	return string(out), nil
}

func hasBlankPage(pages []string) bool {
	for _, p := range pages {
		if p == "" {
			return true
		}
	}
	return false
}

func fillBlankPages(pages, fallback []string) {
	for i := range pages {
		if pages[i] == "" && i < len(fallback) {
			pages[i] = strings.TrimSpace(fallback[i])
		}
	}
}

// splitPages splits pdftotext output, which separates pages with form feeds.
func splitPages(text string) []string {
	return strings.Split(text, "\f")
}
