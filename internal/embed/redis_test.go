package embed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	vec := []float32{0.25, -1.5, 3}
	require.NoError(t, c.Set(ctx, "k", vec))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, vec, got)

	assert.True(t, mr.Exists("askben:embed:k"))
	assert.Equal(t, time.Hour, mr.TTL("askben:embed:k"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire")
}

func TestRedisCache_CorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, mr.Set("askben:embed:bad", "abc"))
	_, ok, err := c.Get(context.Background(), "bad")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	_, err := NewRedisCache("redis://127.0.0.1:1", 0)
	assert.Error(t, err)
}

func TestVectorCodec(t *testing.T) {
	in := []float32{1, 0, -0.5}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
