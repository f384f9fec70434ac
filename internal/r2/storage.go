package r2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	conf "github.com/trunov/secondhand/internal/config"
)

var (
	ErrQueueFull = errors.New("upload queue is full")
	ErrClosed    = errors.New("upload pool is closed")
)

type uploadReq struct {
	ctx         context.Context
	key         string
	contentType string
	payload     []byte

	onSuccess func()
}

// S3 mirrors published photos into an S3-compatible bucket (Cloudflare R2 by
// default) through a bounded pool of upload workers.
type S3 struct {
	Bucket    string
	KeyPrefix string

	Workers        int
	QueueSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration

	queue  chan uploadReq
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	S3Client *s3.Client
	Uploader *manager.Uploader

	log *zap.Logger
}

func NewStorage(ctx context.Context, cfg *conf.R2Config, log *zap.Logger) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	s := &S3{
		Bucket:         cfg.BucketName,
		KeyPrefix:      strings.Trim(cfg.KeyPrefix, "/"),
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		MaxRetries:     3,
		RetryBaseDelay: 300 * time.Millisecond,
		S3Client:       client,
		Uploader:       manager.NewUploader(client),
		log:            log.Named("r2"),
	}
	s.Run()
	return s, nil
}

// Run starts the upload workers.
func (s *S3) Run() {
	if s.Workers < 1 {
		s.Workers = 1
	}
	if s.QueueSize < 1 {
		s.QueueSize = 1
	}
	s.queue = make(chan uploadReq, s.QueueSize)
	for i := 0; i < s.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.log.Info("client and upload pool initialized",
		zap.String("bucket", s.Bucket),
		zap.Int("workers", s.Workers))
}

// Close waits for all queued uploads to be processed.
func (s *S3) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *S3) KeyFor(name string) string {
	if s.KeyPrefix == "" {
		return name
	}
	return path.Join(s.KeyPrefix, name)
}

// UploadWithHook puts an upload on the queue without blocking.
// If the queue is full, it returns ErrQueueFull immediately.
func (s *S3) UploadWithHook(ctx context.Context, key, contentType string, payload []byte, onSuccess func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	req := uploadReq{ctx: context.WithoutCancel(ctx), key: key, contentType: contentType, payload: payload, onSuccess: onSuccess}
	select {
	case s.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (s *S3) worker() {
	defer s.wg.Done()
	for req := range s.queue {
		if err := s.upload(req); err != nil {
			s.log.Error("upload failed", zap.String("key", req.key), zap.Error(err))
		}
	}
}

func (s *S3) upload(req uploadReq) error {
	var err error
	for attempt := 1; ; attempt++ {
		_, err = s.Uploader.Upload(req.ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.Bucket),
			Key:         aws.String(req.key),
			Body:        bytes.NewReader(req.payload),
			ContentType: aws.String(req.contentType),
		})
		if err == nil {
			if req.onSuccess != nil {
				req.onSuccess()
			}
			return nil
		}

		if attempt > s.MaxRetries {
			return err
		}

		timer := time.NewTimer(s.backoffDelay(attempt))
		select {
		case <-timer.C:
		case <-req.ctx.Done():
			timer.Stop()
			return req.ctx.Err()
		}
	}
}

// backoffDelay doubles per attempt with +-5% jitter.
func (s *S3) backoffDelay(attempt int) time.Duration {
	delay := s.RetryBaseDelay << (attempt - 1)
	jitter := int64(delay) / 10
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
}

// Delete removes objects by key. Missing keys are not an error.
func (s *S3) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}

	out, err := s.S3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.Bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete %d objects: %w", len(keys), err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}
