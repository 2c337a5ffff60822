package cache

import (
	"context"
	"errors"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("redis storage: nil client")

// RedisStorage keeps generations in Redis, so that several agent processes can share them.
// Generation names live in a sorted set scored by creation time,
// and each generation's entries live in one hash.
type RedisStorage struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ Storage = (*RedisStorage)(nil)

type RedisConfig struct {
	Client goredis.UniversalClient
	// Prefix for all keys written by the storage, e.g. "offline:".
	Prefix string
	// Set true only if this storage exclusively owns the client.
	CloseClient bool
}

func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &RedisStorage{rdb: cfg.Client, prefix: cfg.Prefix, closeClient: cfg.CloseClient}, nil
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + "generations"
}

func (s *RedisStorage) generationKey(name string) string {
	return s.prefix + "generation:" + name
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Generation, error) {
	err := s.rdb.ZAddNX(ctx, s.namesKey(), goredis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return redisGeneration{name: name, s: s}, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.namesKey(), 0, -1).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.generationKey(name))
		removed = pipe.ZRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// Close releases the underlying redis client only when this storage owns it.
func (s *RedisStorage) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

type redisGeneration struct {
	name string
	s    *RedisStorage
}

func (g redisGeneration) Name() string {
	return g.name
}

func (g redisGeneration) Match(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := g.s.rdb.HGet(ctx, g.s.generationKey(g.name), key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (g redisGeneration) exists(ctx context.Context) (bool, error) {
	_, err := g.s.rdb.ZScore(ctx, g.s.namesKey(), g.name).Result()
	if err == goredis.Nil {
		return false, nil
	}
	return err == nil, err
}

// Put checks that the generation is still registered before writing.
// A delete landing between the check and the write can still leave a stray hash;
// the next Delete of that name removes it.
func (g redisGeneration) Put(ctx context.Context, key string, value []byte) error {
	if ok, err := g.exists(ctx); err != nil {
		return err
	} else if !ok {
		return ErrGenerationGone
	}
	return g.s.rdb.HSet(ctx, g.s.generationKey(g.name), key, value).Err()
}

func (g redisGeneration) PutAll(ctx context.Context, entries []Entry) error {
	if ok, err := g.exists(ctx); err != nil {
		return err
	} else if !ok {
		return ErrGenerationGone
	}
	_, err := g.s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, e := range entries {
			pipe.HSet(ctx, g.s.generationKey(g.name), e.Key, e.Bytes)
		}
		return nil
	})
	return err
}

func (g redisGeneration) Keys(ctx context.Context) ([]string, error) {
	keys, err := g.s.rdb.HKeys(ctx, g.s.generationKey(g.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
