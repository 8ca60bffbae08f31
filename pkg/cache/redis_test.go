package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/dispatch-oss/pkg/domain"
)

func TestNewRedisCacheUnreachableBackend(t *testing.T) {
	// Port 0 is never listening, so the connection check fails immediately.
	_, err := NewRedisCache(RedisConfig{Address: "127.0.0.1:0"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCacheUnavailable)
}
