package document

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// OpenText parses a plain-text deck whose pages are separated by form feeds,
// the same layout pdftotext produces. Text decks have no page images.
func OpenText(data []byte, filename string) (*Deck, error) {
	if !utf8.Valid(data) {
		return nil, &LoadError{Source: filename, Err: errors.New("text deck is not valid UTF-8")}
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	var pages []string
	for _, page := range splitPages(text) {
		page = strings.TrimSpace(page)
		if page == "" {
			continue
		}
		pages = append(pages, page)
	}
	if len(pages) == 0 {
		return nil, &LoadError{Source: filename, Err: errors.New("document has no pages")}
	}

	return &Deck{
		title:       titleFromFilename(filename),
		fingerprint: Fingerprint(data),
		pages:       pages,
	}, nil
}
