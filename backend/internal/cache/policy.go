package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	BaseTTL          = 24 * time.Hour   // 基础过期时间
	Jitter           = 60 * time.Minute // 随机抖动范围
	EmptyCacheMarker = "-1"             // 空值标记
	EmptyCacheTTL    = 5 * time.Minute
)

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// ArtifactCache 缓存已发布的 Artifact（不可变，适合长 TTL）。
// 组合策略：singleflight 合并回源 + 空值标记防穿透 + 随机 TTL 防雪崩。
type ArtifactCache struct {
	rdb redis.UniversalClient
	sf  singleflight.Group
}

func NewArtifactCache(rdb redis.UniversalClient) *ArtifactCache {
	return &ArtifactCache{rdb: rdb}
}

// readCache 返回 (值, 是否命中, 是否为空标记, err)
func (c *ArtifactCache) readCache(ctx context.Context, key string) ([]byte, bool, bool, error) {
	res, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, false, nil
		}
		return nil, false, false, err
	}
	if string(res) == EmptyCacheMarker {
		return nil, true, true, nil
	}
	return res, true, false, nil
}

func (c *ArtifactCache) writeCache(ctx context.Context, key string, val []byte) error {
	return c.rdb.Set(ctx, key, val, getRandomTTL()).Err()
}

// 标记空值缓存，防止缓存穿透
func (c *ArtifactCache) writeNullCache(ctx context.Context, key string) error {
	return c.rdb.Set(ctx, key, EmptyCacheMarker, EmptyCacheTTL).Err()
}

// GetOrLoad 先读缓存，未命中时用 fetch 回源（同一 id 的并发回源只执行一次）。
// 第二个返回值为 false 表示 Artifact 不存在。
func (c *ArtifactCache) GetOrLoad(ctx context.Context, id string, fetch func(ctx context.Context) ([]byte, bool, error)) ([]byte, bool, error) {
	key := artifactKey(id)
	type loaded struct {
		val    []byte
		exists bool
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		val, hit, empty, err := c.readCache(ctx, key)
		if err != nil {
			// redis 不可用时直接回源
			val, exists, ferr := fetch(ctx)
			return loaded{val, exists}, ferr
		}
		if hit {
			return loaded{val, !empty}, nil
		}

		val, exists, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			_ = c.writeNullCache(ctx, key)
			return loaded{nil, false}, nil
		}
		_ = c.writeCache(ctx, key, val)
		return loaded{val, true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	// 使用断言确保不会panic
	l, ok := v.(loaded)
	if !ok {
		return nil, false, errors.New("internal type error")
	}
	return l.val, l.exists, nil
}
