package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

type box struct {
	c redis.UniversalClient
}

// Holder keeps the current redis client; consumers call Get per operation
// so a reconnect by the health loop is picked up.
type Holder struct {
	v atomic.Pointer[box]
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.v.Store(&box{c: initial})
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	if b := h.v.Load(); b != nil {
		return b.c
	}
	return nil
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	if b := h.v.Swap(&box{c: newc}); b != nil {
		old = b.c
	}
	return old
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
