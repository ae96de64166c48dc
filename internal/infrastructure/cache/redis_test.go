package cache

import (
	"context"
	"strconv"
	"testing"

	"genrelay/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := NewRedis(context.Background(), &config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestNewRedisUnreachable(t *testing.T) {
	_, err := NewRedis(context.Background(), &config.RedisConfig{Host: "127.0.0.1", Port: 1})
	require.Error(t, err)
}
