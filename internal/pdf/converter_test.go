package pdf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const samplePDF = "testdata/sample.pdf"

func TestConvertRendersAllPages(t *testing.T) {
	destDir := filepath.Join(t.TempDir(), "pages")
	c := NewConverter(85)

	pages, err := c.Convert(context.Background(), samplePDF, destDir)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}

	for i, page := range pages {
		if page.Index != i {
			t.Errorf("page %d: expected index %d, got %d", i, i, page.Index)
		}
		info, err := os.Stat(page.ImagePath)
		if err != nil {
			t.Fatalf("page %d image missing: %v", i, err)
		}
		if info.Size() == 0 {
			t.Errorf("page %d image is empty", i)
		}
		if page.Width <= 0 || page.Height <= 0 {
			t.Errorf("page %d has no dimensions: %dx%d", i, page.Width, page.Height)
		}
	}

	if got := filepath.Base(pages[0].ImagePath); got != "page_000.jpg" {
		t.Errorf("unexpected image name: %s", got)
	}
	if got := filepath.Base(pages[1].ImagePath); got != "page_001.jpg" {
		t.Errorf("unexpected image name: %s", got)
	}
}

func TestConvertMissingFile(t *testing.T) {
	c := NewConverter(85)
	_, err := c.Convert(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConvertRejectsBadQuality(t *testing.T) {
	c := NewConverter(0)
	_, err := c.Convert(context.Background(), samplePDF, t.TempDir())
	if err == nil {
		t.Fatal("expected error for invalid quality")
	}
}

func TestConvertCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConverter(85)
	_, err := c.Convert(ctx, samplePDF, filepath.Join(t.TempDir(), "pages"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestValidatePDFPath(t *testing.T) {
	dir := t.TempDir()

	notPDF := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notPDF, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid pdf", samplePDF, false},
		{"empty path", "", true},
		{"whitespace path", "   ", true},
		{"missing file", filepath.Join(dir, "gone.pdf"), true},
		{"directory", dir, true},
		{"wrong extension", notPDF, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePDFPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePDFPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateQuality(t *testing.T) {
	for _, q := range []int{1, 50, 100} {
		if err := ValidateQuality(q); err != nil {
			t.Errorf("quality %d should be valid: %v", q, err)
		}
	}
	for _, q := range []int{0, -1, 101} {
		if err := ValidateQuality(q); err == nil {
			t.Errorf("quality %d should be rejected", q)
		}
	}
}
