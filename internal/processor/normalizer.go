package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rwcarlsen/goexif/exif"
	"go.uber.org/zap"

	// Extra decoders on top of the jpeg/png/gif ones imaging pulls in.
	_ "github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/trunov/secondhand/internal/entities"
	"github.com/trunov/secondhand/internal/staging"
)

// maxPixels guards against decompression bombs.
const maxPixels = 80_000_000

type Options struct {
	OutDir       string
	PublicPrefix string
	MaxWidth     int
	Quality      int
	Timeout      time.Duration
}

// Normalizer turns arbitrary uploaded images into bounded-width JPEGs.
type Normalizer struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

func NewNormalizer(opts Options, log *zap.Logger) (*Normalizer, error) {
	if opts.MaxWidth <= 0 {
		return nil, fmt.Errorf("max width must be positive, got %d", opts.MaxWidth)
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, fmt.Errorf("jpeg quality must be within 1..100, got %d", opts.Quality)
	}
	if opts.OutDir != "" {
		if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
			return nil, fmt.Errorf("create processing dir: %w", err)
		}
	}
	opts.PublicPrefix = "/" + strings.Trim(opts.PublicPrefix, "/")
	return &Normalizer{opts: opts, log: log, now: time.Now}, nil
}

type encoded struct {
	data   []byte
	width  int
	height int
	// reused means data is the untouched input.
	reused bool
	// transformed means orientation or size changed.
	transformed bool
	// stripped means the input carried Exif metadata the output drops.
	stripped bool
}

// Normalize decodes srcPath, applies orientation, bounds the width, encodes a
// JPEG into the processing dir and returns its descriptor. Nothing is written
// when any step fails.
func (n *Normalizer) Normalize(ctx context.Context, srcPath, originalName string) (entities.NormalizedPhoto, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return entities.NormalizedPhoto{}, entities.NewError(entities.KindDecode, "could not read photo", err)
	}

	start := time.Now()
	enc, err := n.transform(ctx, data)
	if err != nil {
		return entities.NormalizedPhoto{}, err
	}

	name := n.outputName(originalName)
	path := filepath.Join(n.opts.OutDir, name)
	if err := writeFileAtomic(path, enc.data); err != nil {
		return entities.NormalizedPhoto{}, entities.NewError(entities.KindEncode, "could not save processed photo", err)
	}

	n.log.Debug("photo normalized",
		zap.String("source", srcPath),
		zap.String("output", path),
		zap.Int("width", enc.width),
		zap.Int("height", enc.height),
		zap.Int("bytes_in", len(data)),
		zap.Int("bytes_out", len(enc.data)),
		zap.Duration("took", time.Since(start)))

	return entities.NormalizedPhoto{
		Name:           name,
		ProcessingPath: path,
		PublicPath:     n.PublicPath(name),
		Width:          enc.width,
		Height:         enc.height,
		Bytes:          int64(len(enc.data)),
	}, nil
}

// Recompress normalizes an existing JPEG in place. It reports whether the
// file was rewritten.
func (n *Normalizer) Recompress(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, entities.NewError(entities.KindDecode, "could not read photo", err)
	}

	enc, err := n.transform(ctx, data)
	if err != nil {
		return false, err
	}
	// Re-encoding an untouched photo for a marginal gain only adds
	// generation loss.
	if enc.reused || (!enc.transformed && !enc.stripped && len(enc.data)*10 >= len(data)*9) {
		return false, nil
	}

	if err := writeFileAtomic(path, enc.data); err != nil {
		return false, entities.NewError(entities.KindEncode, "could not save processed photo", err)
	}
	return true, nil
}

func (n *Normalizer) PublicPath(name string) string {
	return strings.TrimSuffix(n.opts.PublicPrefix, "/") + "/" + name
}

func (n *Normalizer) outputName(originalName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(n.now().UnixMilli(), 10) + "-" + staging.SanitizeBase(originalName) + "-" + suffix + ".jpg"
}

func (n *Normalizer) transform(ctx context.Context, data []byte) (encoded, error) {
	if n.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return encoded{}, ctxError(err)
	}

	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return encoded{}, entities.NewError(entities.KindDecode,
			fmt.Sprintf("unsupported file type %s", mime.String()), nil)
	}

	type outcome struct {
		enc encoded
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		enc, err := n.encode(data)
		done <- outcome{enc, err}
	}()

	// Decoding cannot be interrupted; on timeout the goroutine finishes on
	// its own and its result is dropped.
	select {
	case <-ctx.Done():
		return encoded{}, ctxError(ctx.Err())
	case o := <-done:
		return o.enc, o.err
	}
}

func (n *Normalizer) encode(data []byte) (encoded, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return encoded{}, entities.NewError(entities.KindDecode, "photo is not a readable image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return encoded{}, entities.NewError(entities.KindDecode,
			fmt.Sprintf("image dimensions %dx%d are not supported", cfg.Width, cfg.Height), nil)
	}

	img, err := LoadImage(bytes.NewReader(data),
		&Flattener{},
		&ImageResizer{Width: n.opts.MaxWidth},
	)
	if err != nil {
		return encoded{}, entities.NewError(entities.KindDecode, "photo is not a readable image", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.opts.Quality)); err != nil {
		return encoded{}, entities.NewError(entities.KindEncode, "could not encode photo", err)
	}

	orientation, meta := 1, false
	if format == "jpeg" {
		orientation, meta = readEXIF(data)
	}

	b := img.Bounds()
	out := encoded{
		data:        buf.Bytes(),
		width:       b.Dx(),
		height:      b.Dy(),
		transformed: cfg.Width != b.Dx() || cfg.Height != b.Dy() || orientation != 1,
		stripped:    meta,
	}

	// Already-normalized input: keep it rather than re-encode into something
	// no smaller. Inputs with Exif are always re-encoded to drop it.
	if format == "jpeg" && !out.transformed && !out.stripped && buf.Len() >= len(data) {
		out.data = data
		out.reused = true
	}

	return out, nil
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return entities.NewError(entities.KindTimeout, "photo took too long to process", err)
	}
	return entities.NewError(entities.KindInternal, "processing canceled", err)
}

// readEXIF returns the Exif orientation of a JPEG (1 when absent) and
// whether the stream carries Exif metadata at all.
func readEXIF(data []byte) (orientation int, present bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1, false
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1, true
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1, true
	}
	return o, true
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
