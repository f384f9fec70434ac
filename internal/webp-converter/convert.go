package webp_converter

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"

	"github.com/chai2010/webp"
)

const defaultQuality = 75

type Converter struct {
	Quality float32
}

// ToWebP re-encodes a published JPEG as lossy WebP.
func (c Converter) ToWebP(reader io.Reader) ([]byte, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}

	q := c.Quality
	if q <= 0 || q > 100 {
		q = defaultQuality
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("error encoding to webp: %w", err)
	}

	return buf.Bytes(), nil
}
