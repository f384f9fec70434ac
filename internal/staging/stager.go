package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/entities"
)

// Stager copies uploaded parts into a non-public transient directory.
type Stager struct {
	dir string
	log *zap.Logger
	now func() time.Time
}

func New(dir string, log *zap.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Stager{dir: dir, log: log, now: time.Now}, nil
}

func (s *Stager) Dir() string { return s.dir }

// StageAll writes every part to transient storage, preserving order. If any
// part fails, the files already written by this call are removed.
func (s *Stager) StageAll(ctx context.Context, files []*multipart.FileHeader) ([]entities.StagedFile, error) {
	staged := make([]entities.StagedFile, 0, len(files))

	for i, fh := range files {
		if err := ctx.Err(); err != nil {
			s.RemoveAll(staged)
			return nil, entities.NewError(entities.KindStaging, "upload canceled", err)
		}

		sf, err := s.stage(fh)
		if err != nil {
			s.RemoveAll(staged)
			s.log.Error("failed to stage upload",
				zap.Int("index", i),
				zap.String("original_name", fh.Filename),
				zap.Error(err))
			return nil, entities.NewError(entities.KindStaging, fmt.Sprintf("could not store photo %d", i+1), err)
		}
		staged = append(staged, sf)
	}

	return staged, nil
}

func (s *Stager) stage(fh *multipart.FileHeader) (entities.StagedFile, error) {
	src, err := fh.Open()
	if err != nil {
		return entities.StagedFile{}, fmt.Errorf("open part: %w", err)
	}
	defer src.Close()

	name := strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + uuid.NewString() + "-" + SanitizeBase(fh.Filename) + SanitizeExt(fh.Filename)
	path := filepath.Join(s.dir, name)

	// O_EXCL so a clash surfaces as an error instead of an overwrite.
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return entities.StagedFile{}, fmt.Errorf("create transient file: %w", err)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return entities.StagedFile{}, fmt.Errorf("write transient file: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return entities.StagedFile{}, fmt.Errorf("close transient file: %w", err)
	}

	return entities.StagedFile{OriginalName: fh.Filename, Path: path, Size: n}, nil
}

// Remove deletes a file. A path that is already gone is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Remove deletes a transient file, logging instead of failing.
func (s *Stager) Remove(path string) {
	if err := Remove(path); err != nil {
		s.log.Warn("failed to remove transient file", zap.String("path", path), zap.Error(err))
	}
}

func (s *Stager) RemoveAll(files []entities.StagedFile) {
	for _, f := range files {
		s.Remove(f.Path)
	}
}

// Sweep removes regular files in dir whose modification time is older than
// olderThan. It returns how many files were removed.
func Sweep(ctx context.Context, dir string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RunSweeper sweeps dirs every interval until ctx is done.
func RunSweeper(ctx context.Context, log *zap.Logger, interval, olderThan time.Duration, dirs ...string) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, dir := range dirs {
				n, err := Sweep(ctx, dir, olderThan)
				if err != nil {
					log.Warn("sweep failed", zap.String("dir", dir), zap.Error(err))
					continue
				}
				if n > 0 {
					log.Info("swept stale files", zap.String("dir", dir), zap.Int("removed", n))
				}
			}
		}
	}
}
