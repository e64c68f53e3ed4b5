// Package redis provides a Redis-backed transport. Partitions are Redis
// lists (the durable backlog) paired with pub/sub channels (live fanout),
// and keyed records are hashes. Timestamps come from a per-partition
// high-water mark advanced atomically with a Lua script, which keeps them
// strictly increasing even when the Redis server clock steps backwards.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	goredis "github.com/redis/go-redis/v9"

	"github.com/voxchat/chat-engine/internal/config"
	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
)

func init() {
	transport.Register(transport.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (transport.Transport, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis transport: CHAT_ENGINE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a Transport from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (transport.Transport, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis transport: ping failed: %w", err)
	}
	return &redisTransport{client: client}, nil
}

const keyPrefix = "chat-engine:"

func logKey(partition string) string     { return keyPrefix + "log:" + partition }
func channelKey(partition string) string { return keyPrefix + "live:" + partition }
func tsKey(partition string) string      { return keyPrefix + "ts:" + partition }
func kvKey(path string) string           { return keyPrefix + "kv:" + path }

// nextTimestamp returns max(now, last+1) and stores it, so timestamps
// within a partition never repeat or go backwards.
var nextTimestamp = goredis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local ts = now
if ts <= last then
  ts = last + 1
end
redis.call('SET', KEYS[1], ts)
return ts
`)

type redisTransport struct {
	client *goredis.Client
}

func (t *redisTransport) Append(ctx context.Context, partition string, msg model.Message) (model.Message, error) {
	now := time.Now().UnixMilli()
	ts, err := nextTimestamp.Run(ctx, t.client, []string{tsKey(partition)}, now).Int64()
	if err != nil {
		return model.Message{}, &transport.AppendError{Partition: partition, Cause: err}
	}
	msg.Timestamp = ts
	data, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, &transport.AppendError{Partition: partition, Cause: err}
	}
	pipe := t.client.TxPipeline()
	pipe.RPush(ctx, logKey(partition), data)
	pipe.Publish(ctx, channelKey(partition), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.Message{}, &transport.AppendError{Partition: partition, Cause: err}
	}
	return msg, nil
}

// SubscribeAppend subscribes to the live channel first and only then
// reads the backlog list, so no append can fall between the two. Live
// messages that were already present in the backlog read are recognized
// by timestamp and skipped.
func (t *redisTransport) SubscribeAppend(ctx context.Context, partition string, onAppend func(model.Message)) (transport.Subscription, error) {
	pubsub := t.client.Subscribe(ctx, channelKey(partition))
	// Wait for the subscription to be confirmed before reading the backlog.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis transport: subscribe %s: %w", partition, err)
	}

	items, err := t.client.LRange(ctx, logKey(partition), 0, -1).Result()
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis transport: backlog %s: %w", partition, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go sub.run(partition, items, onAppend)
	return sub, nil
}

type redisSubscription struct {
	pubsub    *goredis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) run(partition string, backlog []string, onAppend func(model.Message)) {
	var lastTS int64
	for _, item := range backlog {
		msg, ok := decode(partition, item)
		if !ok {
			continue
		}
		lastTS = msg.Timestamp
		onAppend(msg)
	}
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, decoded := decode(partition, m.Payload)
			if !decoded {
				continue
			}
			// Published while we were reading the backlog; already delivered.
			if msg.Timestamp <= lastTS {
				continue
			}
			lastTS = msg.Timestamp
			select {
			case <-s.done:
				return
			default:
			}
			onAppend(msg)
		}
	}
}

func decode(partition, payload string) (model.Message, bool) {
	var msg model.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Warn("Dropping undecodable record", "partition", partition, "error", err)
		return model.Message{}, false
	}
	return msg, true
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (t *redisTransport) ReadOnce(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	fields, err := t.client.HGetAll(ctx, kvKey(path)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func (t *redisTransport) Upsert(ctx context.Context, path, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return t.client.HSet(ctx, kvKey(path), key, data).Err()
}

func (t *redisTransport) Remove(ctx context.Context, path, key string) error {
	return t.client.HDel(ctx, kvKey(path), key).Err()
}

func (t *redisTransport) Close() error {
	return t.client.Close()
}

var _ transport.Transport = (*redisTransport)(nil)
