// Package pdf rasterizes brochure PDFs into per-page JPEG images for the
// extraction pipeline.
package pdf

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical-ai/prospectus-engine/internal/store"
)

// Converter renders PDF pages to JPEG files.
type Converter struct {
	quality int
}

// NewConverter creates a converter encoding pages at the given JPEG quality.
func NewConverter(quality int) *Converter {
	return &Converter{quality: quality}
}

// Convert renders every page of the PDF into destDir as page_NNN.jpg and
// returns one reference per page, ordered by page index. Partial output may
// remain in destDir when an error is returned; the caller owns the directory.
func (c *Converter) Convert(ctx context.Context, pdfPath, destDir string) ([]store.PageRef, error) {
	if err := ValidatePDFPath(pdfPath); err != nil {
		return nil, err
	}
	if err := ValidateQuality(c.quality); err != nil {
		return nil, err
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}

	pages := make([]store.PageRef, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.Image(i)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i, err)
		}

		outputPath := filepath.Join(destDir, fmt.Sprintf("page_%03d.jpg", i))
		out, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("create image file for page %d: %w", i, err)
		}
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: c.quality})
		out.Close()
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i, err)
		}

		bounds := img.Bounds()
		pages = append(pages, store.PageRef{
			Index:     i,
			ImagePath: outputPath,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
		})
	}

	return pages, nil
}
