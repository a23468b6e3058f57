package shortterm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kazuki-shin/ambi/internal/memory"
)

const DefaultKeyPrefix = "ambi:memory:short-term:"

// RedisWindow stores each session window as a Redis list of JSON encoded
// messages under prefix+sessionID.
type RedisWindow struct {
	client      redis.UniversalClient
	prefix      string
	maxMessages int
	ttl         time.Duration
}

func NewRedisWindow(client redis.UniversalClient, prefix string, maxMessages int, ttl time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if maxMessages <= 0 {
		maxMessages = 2 * DefaultWindowSize
	}
	return &RedisWindow{
		client:      client,
		prefix:      prefix,
		maxMessages: maxMessages,
		ttl:         ttl,
	}
}

// DialRedis parses url and verifies the server answers a PING.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, goerr.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "ping redis", goerr.V("addr", opts.Addr))
	}
	return client, nil
}

func (w *RedisWindow) Key(sessionID string) string {
	return w.prefix + sessionID
}

// Append pushes both messages, trims to the cap and refreshes the TTL in a
// single MULTI/EXEC so a pair is never half written.
func (w *RedisWindow) Append(ctx context.Context, sessionID, human, assistant string) error {
	pair := memory.Pair(human, assistant)
	values := make([]any, 0, len(pair))
	for _, msg := range pair {
		raw, err := json.Marshal(msg)
		if err != nil {
			return goerr.Wrap(err, "encode message")
		}
		values = append(values, raw)
	}

	key := w.Key(sessionID)
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-w.maxMessages), -1)
		if w.ttl > 0 {
			pipe.Expire(ctx, key, w.ttl)
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "append short-term window", goerr.V("key", key))
	}
	return nil
}

// Replay appends msgs, trims and refreshes the TTL in one MULTI/EXEC. With
// reset the existing window is deleted first.
func (w *RedisWindow) Replay(ctx context.Context, sessionID string, reset bool, msgs []memory.Message) error {
	values := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return goerr.Wrap(err, "encode message")
		}
		values = append(values, raw)
	}

	key := w.Key(sessionID)
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if reset {
			pipe.Del(ctx, key)
		}
		if len(values) == 0 {
			return nil
		}
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-w.maxMessages), -1)
		if w.ttl > 0 {
			pipe.Expire(ctx, key, w.ttl)
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "replay short-term window", goerr.V("key", key))
	}
	return nil
}

func (w *RedisWindow) Recent(ctx context.Context, sessionID string) ([]memory.Message, error) {
	key := w.Key(sessionID)
	raw, err := w.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "read short-term window", goerr.V("key", key))
	}
	out := make([]memory.Message, 0, len(raw))
	for _, item := range raw {
		var msg memory.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, goerr.Wrap(err, "decode short-term message", goerr.V("key", key))
		}
		if !msg.Role.Valid() {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (w *RedisWindow) Clear(ctx context.Context, sessionID string) error {
	key := w.Key(sessionID)
	if err := w.client.Del(ctx, key).Err(); err != nil {
		return goerr.Wrap(err, "clear short-term window", goerr.V("key", key))
	}
	return nil
}

func (w *RedisWindow) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

func (w *RedisWindow) Close() error {
	return w.client.Close()
}
