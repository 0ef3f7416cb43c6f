package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStorage("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestNewRedisStorage_InvalidURL(t *testing.T) {
	_, err := NewRedisStorage("invalid://url")
	assert.Error(t, err)
}

func TestNewRedisStorage_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStorage("redis://" + addr)
	assert.Error(t, err)
}

func TestRedisStorage_SaveAndLoad(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	points := []DataPoint{
		{Timestamp: now.Add(-10 * time.Minute), Value: 10.5},
		{Timestamp: now.Add(-5 * time.Minute), Value: 10.5},
		{Timestamp: now, Value: 30.7},
	}
	for _, dp := range points[:2] {
		require.NoError(t, s.SaveDataPoint(ctx, "query_rate", dp))
	}
	require.NoError(t, s.SaveBatch(ctx, "query_rate", points[2:]))

	loaded, err := s.LoadHistory(ctx, "query_rate", now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, loaded, 3, "equal values at different times are kept")
	for i, dp := range loaded {
		assert.True(t, points[i].Timestamp.Equal(dp.Timestamp))
		assert.Equal(t, points[i].Value, dp.Value)
	}

	recent, err := s.LoadHistory(ctx, "query_rate", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRedisStorage_TTLDropsOldPoints(t *testing.T) {
	s, _ := newTestStorage(t)
	s.SetTTL(time.Hour)
	s.SetTTL(0)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveBatch(ctx, "eval_rate", []DataPoint{
		{Timestamp: now.Add(-2 * time.Hour), Value: 1},
		{Timestamp: now, Value: 2},
	}))

	loaded, err := s.LoadHistory(ctx, "eval_rate", now.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 2.0, loaded[0].Value)
}

func TestMetricHistory_LoadsFromStorage(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	past := time.Now().Truncate(historyBucket).Add(-historyBucket)
	require.NoError(t, s.SaveDataPoint(ctx, "query_rate", DataPoint{Timestamp: past, Value: 7}))

	ts := NewTimeSeriesData(s)
	assert.True(t, ts.Persisted())

	points := ts.QueryRate.Points()
	require.Len(t, points, 1)
	assert.Equal(t, 7.0, points[0].Value)
}
