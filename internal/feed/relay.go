package feed

import (
	"context"
	"log/slog"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"crypto-ohlcv/internal/model"
)

// RelayPattern matches the channels the Redis store publishes candles on.
const RelayPattern = "pub:ohlcv:*"

// StreamFromChannel maps "pub:ohlcv:{SYMBOL}:{interval}" to "{symbol}@{interval}".
func StreamFromChannel(channel string) (string, bool) {
	rest, ok := strings.CutPrefix(channel, "pub:ohlcv:")
	if !ok {
		return "", false
	}
	sym, iv, ok := strings.Cut(rest, ":")
	if !ok {
		return "", false
	}
	key, err := model.NewStreamKey(sym, iv)
	if err != nil {
		return "", false
	}
	return key.String(), true
}

// RunRedisRelay forwards candles published by any instance sharing rdb to
// the hub. Blocks until ctx is cancelled.
func RunRedisRelay(ctx context.Context, rdb *goredis.Client, h *Hub) {
	pubsub := rdb.PSubscribe(ctx, RelayPattern)
	defer pubsub.Close()
	slog.Info("feed relay subscribed", "pattern", RelayPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			stream, ok := StreamFromChannel(msg.Channel)
			if !ok {
				slog.Warn("feed relay: unexpected channel", "channel", msg.Channel)
				continue
			}
			h.Publish(stream, []byte(msg.Payload))
		}
	}
}
