package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-ohlcv/internal/marketdata/agg"
	"crypto-ohlcv/internal/marketdata/flush"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store/memory"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: `1700000000000`, want: 1700000000000},
		{raw: `"1700000000000"`, want: 1700000000000},
		{raw: `0`, want: 0},
		{raw: `60000`, want: 60000},
		{raw: `1700000000`, wantErr: true},          // seconds
		{raw: `"1700000000"`, wantErr: true},        // seconds as string
		{raw: `1700000000000000`, wantErr: true},    // microseconds
		{raw: `1700000000000000000`, wantErr: true}, // nanoseconds
		{raw: `1700000000000.5`, wantErr: true},
		{raw: `-5`, wantErr: true},
		{raw: `"2024-01-01T00:00:00Z"`, wantErr: true},
		{raw: `"abc"`, wantErr: true},
		{raw: `null`, wantErr: true},
		{raw: `true`, wantErr: true},
		{raw: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTimestamp(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrMalformedTimestamp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeFetcher struct {
	candles []model.Candle
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, _ model.Interval, _, _ int64) ([]model.Candle, error) {
	f.calls++
	return f.candles, f.err
}

func TestService_RangeFromStore(t *testing.T) {
	ctx := context.Background()
	st := memory.New(10)
	key := model.StoreKey("btcusdt", "1min")
	require.NoError(t, st.AppendBatch(ctx, key, []model.Candle{{Timestamp: 0}, {Timestamp: 60000}, {Timestamp: 120000}}))
	f := &fakeFetcher{}

	cs, src, err := NewService(st, f, nil).Range(ctx, "BTCUSDT", "1min", 0, 60000)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, src)
	assert.Len(t, cs, 2)
	assert.Zero(t, f.calls)
}

func TestService_RangeInvalid(t *testing.T) {
	svc := NewService(memory.New(10), nil, nil)

	_, _, err := svc.Range(context.Background(), "btcusdt", "1min", 10, 5)
	assert.ErrorIs(t, err, model.ErrInvalidRange)

	_, _, err = svc.Range(context.Background(), "btcusdt", "2min", 0, 5)
	assert.ErrorIs(t, err, model.ErrInvalidInterval)
}

func TestService_RangeEmptyWithoutFetcher(t *testing.T) {
	cs, src, err := NewService(memory.New(10), nil, nil).Range(context.Background(), "btcusdt", "1min", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, src)
	assert.Empty(t, cs)
}

func TestService_RangeBackfillsAndWritesThrough(t *testing.T) {
	ctx := context.Background()
	st := memory.New(10)
	f := &fakeFetcher{candles: []model.Candle{
		{Timestamp: 120000, Close: 3},
		{Timestamp: 0, Close: 1},
		{Timestamp: 60000, Close: 2},
	}}
	svc := NewService(st, f, nil)

	cs, src, err := svc.Range(ctx, "btcusdt", "1min", 0, 60000)
	require.NoError(t, err)
	assert.Equal(t, SourceBackfill, src)
	require.Len(t, cs, 2)
	assert.Equal(t, int64(0), cs[0].Timestamp)

	n, err := st.Len(ctx, model.StoreKey("btcusdt", "1min"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Second read is served from the store.
	_, src, err = svc.Range(ctx, "btcusdt", "1min", 0, 60000)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, src)
	assert.Equal(t, 1, f.calls)
}

func TestService_WriteThroughSkipsOlderThanTail(t *testing.T) {
	ctx := context.Background()
	st := memory.New(10)
	key := model.StoreKey("btcusdt", "1min")
	require.NoError(t, st.Append(ctx, key, model.Candle{Timestamp: 600000}))

	f := &fakeFetcher{candles: []model.Candle{{Timestamp: 0}, {Timestamp: 60000}}}
	cs, src, err := NewService(st, f, nil).Range(ctx, "btcusdt", "1min", 0, 60000)
	require.NoError(t, err)
	assert.Equal(t, SourceBackfill, src)
	assert.Len(t, cs, 2)

	n, err := st.Len(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "older candles must not be appended behind the tail")
}

func TestService_WriteThroughDropsOpenBucket(t *testing.T) {
	ctx := context.Background()
	st := memory.New(10)
	key, err := model.NewStreamKey("btcusdt", "1min")
	require.NoError(t, err)

	f := &fakeFetcher{candles: []model.Candle{
		{Timestamp: 0, Open: 1, High: 1, Low: 1, Close: 1},
		{Timestamp: 60000, Open: 5, High: 5, Low: 5, Close: 5},
	}}
	svc := NewService(st, f, nil)
	svc.now = func() time.Time { return time.UnixMilli(90000) }

	cs, src, err := svc.Range(ctx, "btcusdt", "1min", 0, 120000)
	require.NoError(t, err)
	assert.Equal(t, SourceBackfill, src)
	assert.Len(t, cs, 2)

	// The live stream later finalizes the bucket that was still open.
	p := flush.New(key, st, nil, flush.Config{MaxAttempts: 1})
	_, err = p.Flush(ctx, agg.Bucket{Start: 60000, Open: 1, High: 2, Low: 1, Close: 2, Volume: 3, Ticks: 2})
	require.NoError(t, err)

	stored, err := st.Range(ctx, key.StoreKey(), 0, 120000)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(0), stored[0].Timestamp)
	assert.Equal(t, int64(60000), stored[1].Timestamp)
	assert.Equal(t, 3.0, stored[1].Volume)
}

func TestService_WriteThroughSkippedWhileLive(t *testing.T) {
	ctx := context.Background()
	st := memory.New(10)
	f := &fakeFetcher{candles: []model.Candle{{Timestamp: 0}, {Timestamp: 60000}}}
	svc := NewService(st, f, nil)
	var asked []string
	svc.IsLive = func(k model.StreamKey) bool {
		asked = append(asked, k.String())
		return true
	}

	cs, src, err := svc.Range(ctx, "btcusdt", "1min", 0, 60000)
	require.NoError(t, err)
	assert.Equal(t, SourceBackfill, src)
	assert.Len(t, cs, 2)
	assert.Equal(t, []string{"btcusdt@1min"}, asked)

	n, err := st.Len(ctx, model.StoreKey("btcusdt", "1min"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_RangeBackfillError(t *testing.T) {
	boom := errors.New("upstream down")
	_, _, err := NewService(memory.New(10), &fakeFetcher{err: boom}, nil).Range(context.Background(), "btcusdt", "1min", 0, 5)
	assert.ErrorIs(t, err, boom)
}

func TestService_Ingest(t *testing.T) {
	ctx := context.Background()
	st := memory.New(10)
	svc := NewService(st, nil, nil)

	n, err := svc.Ingest(ctx, "ETHUSDT", "1min", []model.Candle{
		{Timestamp: 60000, Open: 2, High: 3, Low: 1, Close: 2, Volume: 1},
		{Timestamp: 0, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c, ok, err := svc.Latest(ctx, "ethusdt", "1min")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(60000), c.Timestamp)
	assert.Equal(t, "ETHUSDT", c.Symbol)

	_, err = svc.Ingest(ctx, "ethusdt", "1min", []model.Candle{{Timestamp: 1, Open: 5, High: 1, Low: 1, Close: 1}})
	assert.ErrorIs(t, err, ErrInvalidCandle)

	_, err = svc.Ingest(ctx, "ethusdt", "1min", []model.Candle{{Timestamp: 1700000000, Open: 1, High: 1, Low: 1, Close: 1}})
	assert.ErrorIs(t, err, model.ErrMalformedTimestamp)
}

func flat(ts int64) model.Candle {
	return model.Candle{Timestamp: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
}

func TestService_IngestRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	st := memory.New(3)
	svc := NewService(st, nil, nil)
	key := model.StoreKey("btcusdt", "1min")

	_, err := svc.Ingest(ctx, "btcusdt", "1min", []model.Candle{flat(60000), flat(120000), flat(180000)})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   []model.Candle
	}{
		{"older than tail", []model.Candle{flat(0)}},
		{"equal to tail", []model.Candle{flat(180000)}},
		{"straddles tail", []model.Candle{flat(120000), flat(240000)}},
		{"duplicate in batch", []model.Candle{flat(240000), flat(240000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, "btcusdt", "1min", tt.in)
			assert.ErrorIs(t, err, ErrOutOfOrder)

			got, err := st.Range(ctx, key, 0, 1<<40)
			require.NoError(t, err)
			assert.Equal(t, []int64{60000, 120000, 180000}, timestamps(got))
		})
	}

	n, err := svc.Ingest(ctx, "btcusdt", "1min", []model.Candle{flat(240000)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := st.Range(ctx, key, 0, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, []int64{120000, 180000, 240000}, timestamps(got))
}

func TestService_IngestRefusedWhileLive(t *testing.T) {
	svc := NewService(memory.New(10), nil, nil)
	svc.IsLive = func(model.StreamKey) bool { return true }

	_, err := svc.Ingest(context.Background(), "btcusdt", "1min", []model.Candle{flat(0)})
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
}

func timestamps(cs []model.Candle) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Timestamp
	}
	return out
}
