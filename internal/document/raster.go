package document

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Rasterizer renders a single page of a PDF file on disk.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string, index int) ([]byte, error)
}

// Pdftoppm renders pages with poppler's pdftoppm binary.
type Pdftoppm struct {
	Binary string // defaults to "pdftoppm"
	DPI    int    // defaults to 100
}

// Rasterize returns page index (0-based) as PNG bytes.
func (p Pdftoppm) Rasterize(ctx context.Context, pdfPath string, index int) ([]byte, error) {
	bin := p.Binary
	if bin == "" {
		bin = "pdftoppm"
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 100
	}
	page := strconv.Itoa(index + 1)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"-png", "-singlefile",
		"-r", strconv.Itoa(dpi),
		"-f", page, "-l", page,
		pdfPath, "-",
	)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm page %s: %w: %s", page, err, strings.TrimSpace(stderr.String()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pdftoppm page %s: empty output", page)
	}
	return out, nil
}
