package processor

import (
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"
)

// ImageModifier defines an image modifier
type ImageModifier interface {
	Modify(img image.Image) image.Image
}

// ImageResizer bounds an image to Width x Height, keeping the aspect ratio.
// A zero dimension is unbounded. Images are never upscaled.
type ImageResizer struct {
	Width  int
	Height int
}

// Modify to implement ImageModifier interface
func (r *ImageResizer) Modify(img image.Image) image.Image {
	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())

	if w == 0 || h == 0 || (r.Width == 0 && r.Height == 0) {
		return img
	}

	ratio := 0.0
	if r.Width > 0 {
		ratio = w / float64(r.Width)
	}
	if r.Height > 0 {
		if hRatio := h / float64(r.Height); hRatio > ratio {
			ratio = hRatio
		}
	}

	// Nothing to do - return original image
	if ratio <= 1 {
		return img
	}

	width := int(math.Round(w / ratio))
	if r.Width > 0 && width > r.Width {
		width = r.Width
	}
	return imaging.Resize(img, width, 0, imaging.Lanczos)
}

// Flattener composites images with transparency onto a solid background,
// since JPEG has no alpha channel.
type Flattener struct {
	Background color.Color
}

func (f *Flattener) Modify(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	bg := f.Background
	if bg == nil {
		bg = color.White
	}
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// LoadImage reads image from reader, applies the EXIF orientation and then
// the requested modifiers in order.
func LoadImage(r io.Reader, modifiers ...ImageModifier) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}

	for _, modifier := range modifiers {
		img = modifier.Modify(img)
	}

	return img, nil
}
