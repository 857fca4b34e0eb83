package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultLeaseTTL = 30 * time.Second

// RoomLease 用 redis 保证一个草稿同一时间只由一个节点协调
type RoomLease struct {
	rdb  redis.UniversalClient
	node string
	ttl  time.Duration
}

func NewRoomLease(rdb redis.UniversalClient, node string, ttl time.Duration) *RoomLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RoomLease{rdb: rdb, node: node, ttl: ttl}
}

// 只续自己的租约
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// 只删自己的租约
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RoomLease) TTL() time.Duration { return l.ttl }

func (l *RoomLease) Node() string { return l.node }

// Claim 抢占草稿；已经是自己持有时视为成功并续期
func (l *RoomLease) Claim(ctx context.Context, draftID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, ownerKey(draftID), l.node, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx, draftID)
}

func (l *RoomLease) Renew(ctx context.Context, draftID string) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{ownerKey(draftID)}, l.node, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n == 1, nil
}

func (l *RoomLease) Release(ctx context.Context, draftID string) error {
	err := releaseScript.Run(ctx, l.rdb, []string{ownerKey(draftID)}, l.node).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Owner 返回当前持有者，没人持有时返回空串
func (l *RoomLease) Owner(ctx context.Context, draftID string) (string, error) {
	node, err := l.rdb.Get(ctx, ownerKey(draftID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return node, err
}
