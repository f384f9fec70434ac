package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientSource hands out the current redis client; it may change after a
// reconnect.
type ClientSource interface {
	Get() redis.UniversalClient
}

type Producer struct {
	src    ClientSource
	stream string
	maxLen int64
}

func NewProducer(src ClientSource, stream string, maxLen int64) *Producer {
	return &Producer{src: src, stream: stream, maxLen: maxLen}
}

// EnqueueDerivative appends the job to the stream for background processing.
func (p *Producer) EnqueueDerivative(ctx context.Context, job DerivativeJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return p.src.Get().XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"payload": string(raw),
			"attempt": 0,
		},
	}).Err()
}
