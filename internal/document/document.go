package document

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// Document is an opened slide deck. Its pages never change after load.
type Document interface {
	Title() string
	Fingerprint() string
	PageCount() int
	// PageText returns the extracted text of page index (0-based), or ""
	// when index is out of range.
	PageText(index int) string
	PageImage(ctx context.Context, index int) ([]byte, error)
	Close() error
}

var (
	ErrPageOutOfRange = errors.New("page index out of range")
	ErrNoRaster       = errors.New("page rendering not available for this document")
	ErrClosed         = errors.New("document is closed")
)

// LoadError reports a document that could not be opened.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load document %q: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Options controls how documents are opened.
type Options struct {
	// Rasterizer renders PDF pages to PNG. Nil disables page images.
	Rasterizer Rasterizer
	// FallbackPdftotext re-extracts text with the pdftotext binary when
	// the Go parser fails on some page.
	FallbackPdftotext bool
}

// SupportedExtensions lists the deck formats that can be opened.
var SupportedExtensions = map[string]bool{
	".pdf": true,
	".txt": true,
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return SupportedExtensions[ext]
}

// Open parses raw bytes into a Document, choosing the format by filename.
func Open(data []byte, filename string, opts Options) (*Deck, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt":
		return OpenText(data, filename)
	case ".pdf":
		return OpenPDF(data, filename, opts)
	default:
		return nil, &LoadError{Source: filename, Err: fmt.Errorf("unsupported file type %q", filepath.Ext(filename))}
	}
}

// OpenFile reads a deck from disk.
func OpenFile(path string, opts Options) (*Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	return Open(data, filepath.Base(path), opts)
}

// Deck is the in-memory Document implementation shared by every format.
type Deck struct {
	title       string
	fingerprint string
	pages       []string

	raster  Rasterizer
	pdfPath string // temp copy handed to the rasterizer

	mu     sync.Mutex
	closed bool
}

// NewMemory builds a deck from already extracted page texts.
func NewMemory(title string, pages ...string) *Deck {
	return &Deck{
		title:       title,
		fingerprint: Fingerprint([]byte(strings.Join(pages, "\f"))),
		pages:       append([]string(nil), pages...),
	}
}

func (d *Deck) Title() string       { return d.title }
func (d *Deck) Fingerprint() string { return d.fingerprint }
func (d *Deck) PageCount() int      { return len(d.pages) }

func (d *Deck) PageText(index int) string {
	if index < 0 || index >= len(d.pages) {
		return ""
	}
	return d.pages[index]
}

// PageImage renders page index as PNG.
func (d *Deck) PageImage(ctx context.Context, index int) ([]byte, error) {
	if index < 0 || index >= len(d.pages) {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, index)
	}
	d.mu.Lock()
	closed, path := d.closed, d.pdfPath
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if d.raster == nil || path == "" {
		return nil, ErrNoRaster
	}
	return d.raster.Rasterize(ctx, path, index)
}

// Close releases the temp file backing page rendering. It is safe to call
// more than once.
func (d *Deck) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.pdfPath != "" {
		err := os.Remove(d.pdfPath)
		d.pdfPath = ""
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove temp file: %w", err)
		}
	}
	return nil
}

// Fingerprint returns the hex BLAKE3 digest of data.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func titleFromFilename(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
