package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/config"
	webp_converter "github.com/trunov/secondhand/internal/webp-converter"
)

// errGone marks jobs whose photo no longer exists; they are not retried.
var errGone = errors.New("photo no longer exists")

// Mirror copies published files to object storage.
type Mirror interface {
	KeyFor(name string) string
	UploadWithHook(ctx context.Context, key, contentType string, payload []byte, onSuccess func()) error
}

type WebPConverter interface {
	ToWebP(reader io.Reader) ([]byte, error)
}

type Worker struct {
	src       ClientSource
	cfg       config.WebPWorkerConfig
	publicDir string
	mirror    Mirror
	conv      WebPConverter
	log       *zap.Logger
}

// Init starts the consumer group in the background and returns the producer
// side. mirror may be nil.
func Init(ctx context.Context, src ClientSource, cfg config.WebPWorkerConfig, publicDir string, mirror Mirror, log *zap.Logger) *Producer {
	producer := NewProducer(src, cfg.Stream, cfg.MaxLen)
	worker := NewWorker(src, cfg, publicDir, mirror, log)

	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("webp worker stopped", zap.Error(err))
		}
	}()

	return producer
}

func NewWorker(src ClientSource, cfg config.WebPWorkerConfig, publicDir string, mirror Mirror, log *zap.Logger) *Worker {
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Worker{
		src:       src,
		cfg:       cfg,
		publicDir: publicDir,
		mirror:    mirror,
		conv:      webp_converter.Converter{Quality: cfg.Quality},
		log:       log.Named("webp-worker"),
	}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := w.src.Get().XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	w.log.Info("starting consumer group",
		zap.String("group", w.cfg.Group),
		zap.String("stream", w.cfg.Stream),
		zap.Int("workers", w.cfg.Workers))

	// Adopt orphaned pending messages
	w.autoClaim(ctx)

	workers := w.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			err := w.loop(ctx)
			if err != nil {
				w.log.Error("worker stopped with error", zap.Int("worker", id), zap.Error(err))
			} else {
				w.log.Debug("worker stopped", zap.Int("worker", id))
			}
			errCh <- err
		}(i)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// autoClaim takes ownership of messages that were delivered to a consumer
// which died before XACK, so those jobs are retried instead of lost.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"

	// Do not steal messages that a slow worker is still processing.
	minIdle := 30 * time.Second
	if w.cfg.BlockTimeout > 0 {
		if t := w.cfg.BlockTimeout * 6; t > minIdle {
			minIdle = t
		}
	}

	for {
		msgs, start, err := w.src.Get().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			_ = w.handle(ctx, m)
		}
		if start == "0-0" {
			return
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		// A message stays in the group's pending list until handle() acks it;
		// if we crash first, autoClaim picks it up on the next start.
		streams, err := w.src.Get().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("xreadgroup failed", zap.Error(err))
			// A reconnect may land on a server that has never seen the group.
			if strings.Contains(err.Error(), "NOGROUP") {
				if gerr := w.EnsureGroup(ctx); gerr != nil {
					w.log.Warn("recreate consumer group", zap.Error(gerr))
				}
			}
			time.Sleep(time.Second)
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				_ = w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) error {
	defer func() {
		w.src.Get().XAck(context.WithoutCancel(ctx), w.cfg.Stream, w.cfg.Group, m.ID)
	}()

	raw, ok := m.Values["payload"].(string)
	if !ok {
		w.log.Error("dropping message without payload", zap.String("id", m.ID))
		return nil
	}
	var job DerivativeJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Error("dropping malformed job", zap.String("id", m.ID), zap.Error(err))
		return nil
	}
	attempt := toInt(m.Values["attempt"])

	err := w.process(ctx, job)
	if err == nil {
		return nil
	}
	if errors.Is(err, errGone) {
		w.log.Debug("photo removed before derivative was built", zap.String("photo", job.Name))
		return nil
	}
	if attempt+1 >= w.cfg.MaxAttempts {
		w.log.Error("derivative job failed permanently",
			zap.String("listing_id", job.ListingID),
			zap.String("photo", job.Name),
			zap.Int("attempts", attempt+1),
			zap.Error(err))
		sentry.CaptureException(err)
		return err
	}

	// simple exponential backoff requeue
	backoff := w.cfg.BackoffBase << attempt
	time.AfterFunc(backoff, func() {
		_ = w.src.Get().XAdd(context.Background(), &redis.XAddArgs{
			Stream: w.cfg.Stream,
			MaxLen: w.cfg.MaxLen,
			Approx: true,
			Values: map[string]any{
				"payload": raw,
				"attempt": attempt + 1,
			},
		}).Err()
	})
	return err
}

func (w *Worker) process(ctx context.Context, job DerivativeJob) error {
	name := filepath.Base(job.Name)
	if name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid photo name %q", job.Name)
	}

	orig, err := os.ReadFile(filepath.Join(w.publicDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return errGone
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	webpBytes, err := w.conv.ToWebP(bytes.NewReader(orig))
	if err != nil {
		return fmt.Errorf("convert to webp: %w", err)
	}

	target := name + ".webp"
	if err := writeFile(filepath.Join(w.publicDir, target), webpBytes); err != nil {
		return fmt.Errorf("write webp: %w", err)
	}

	if w.mirror == nil {
		return nil
	}
	if err := w.mirror.UploadWithHook(ctx, w.mirror.KeyFor(name), "image/jpeg", orig, nil); err != nil {
		return fmt.Errorf("mirror jpeg: %w", err)
	}
	if err := w.mirror.UploadWithHook(ctx, w.mirror.KeyFor(target), "image/webp", webpBytes, nil); err != nil {
		return fmt.Errorf("mirror webp: %w", err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}
