package redismanager

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedisKey(t *testing.T) {
	a := redisKey("order-1")
	assert.True(t, strings.HasPrefix(a, keyPrefix))
	assert.Len(t, a, len(keyPrefix)+40)
	assert.Equal(t, a, redisKey("order-1"))
	assert.NotEqual(t, a, redisKey("order-2"))
}
