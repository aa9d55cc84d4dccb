// Package render rasterizes PDF pages.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"github.com/gen2brain/go-fitz"
)

var ErrNoPages = errors.New("document has no pages")

// Renderer turns PDF pages into images. Page numbers are 1-based.
type Renderer interface {
	PageCount(path string) (int, error)
	// RenderPage returns a nil image and nil error when page is past the end of the document.
	RenderPage(path string, page int, dpi float64) (image.Image, error)
}

// FitzRenderer renders through MuPDF.
type FitzRenderer struct{}

var _ Renderer = FitzRenderer{}

func (FitzRenderer) PageCount(path string) (int, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer func() { _ = doc.Close() }()

	n := doc.NumPage()
	if n <= 0 {
		return 0, ErrNoPages
	}
	return n, nil
}

func (FitzRenderer) RenderPage(path string, page int, dpi float64) (image.Image, error) {
	if page < 1 {
		return nil, fmt.Errorf("invalid page number %d", page)
	}
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer func() { _ = doc.Close() }()

	if page > doc.NumPage() {
		return nil, nil
	}
	img, err := doc.ImageDPI(page-1, dpi)
	if errors.Is(err, fitz.ErrPageMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	return img, nil
}

// Flatten draws img onto an opaque white canvas so transparent regions come out white.
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// WritePNG encodes img to path.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}
