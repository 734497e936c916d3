package offline

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultKeyPrefix = "offlinecrud:"
	redisOperationTimeout = 5 * time.Second
)

// RedisBackend stores each slot under "<prefix><slot>". The prefix comes from
// the DSN's "prefix" query parameter.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(dsn string) (*RedisBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	prefix := redisDefaultKeyPrefix
	query := parsed.Query()
	if raw, ok := query["prefix"]; ok {
		prefix = strings.TrimSpace(strings.Join(raw, ""))
		query.Del("prefix")
		parsed.RawQuery = query.Encode()
	}
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (b *RedisBackend) Load(slot string) ([]byte, error) {
	if !validSlot(slot) {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	data, err := b.client.Get(ctx, b.prefix+slot).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Save(slot string, data []byte) error {
	if !validSlot(slot) {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.prefix+slot, data, 0).Err()
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
