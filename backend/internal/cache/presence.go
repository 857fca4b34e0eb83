package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把房间成员镜像到 redis，供其他服务查询“谁在编辑”。
// 只是尽力而为的展示数据，房间内的仲裁从不读它。
type PresenceCache interface {
	AddMember(ctx context.Context, draftID string, m PresenceMember, ttl time.Duration) error
	RemoveMember(ctx context.Context, draftID, sessionID string) error
	GetAliveMembers(ctx context.Context, draftID string) ([]PresenceMember, error)
	GetDrafts(ctx context.Context) ([]string, error)
}

type PresenceMember struct {
	SessionID string `json:"sessionId"`
	UserID    uint64 `json:"userId"`
	Username  string `json:"username,omitempty"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 清理过期成员：score=expireAt（Unix 秒），expireAt <= now 视为过期
var cleanupScript = redis.NewScript(`
-- KEYS[1] = presenceKey(draftID)
-- KEYS[2] = namesKey(draftID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, draftID string, m PresenceMember, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember
	info, err := json.Marshal(m)
	if err != nil {
		return err
	}
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, presenceKey(draftID), redis.Z{Score: float64(expireAt), Member: m.SessionID})
	tx.HSet(ctx, namesKey(draftID), m.SessionID, info)
	_, err = tx.Exec(ctx)
	if err != nil {
		return err
	}
	// 索引 key 不在同一个 slot，单独写
	return p.rdb.SAdd(ctx, draftsKey(), draftID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, draftID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, presenceKey(draftID), sessionID)
	tx.HDel(ctx, namesKey(draftID), sessionID)
	card := tx.ZCard(ctx, presenceKey(draftID))
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	if card.Val() == 0 {
		return p.rdb.SRem(ctx, draftsKey(), draftID).Err()
	}
	return nil
}

func (p *redisPresence) GetDrafts(ctx context.Context) ([]string, error) {
	drafts, err := p.rdb.SMembers(ctx, draftsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return drafts, nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, draftID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	now := p.now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{presenceKey(draftID), namesKey(draftID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员（score > now）
	alive, err := p.rdb.ZRangeByScore(ctx, presenceKey(draftID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量获取成员信息
	infos, err := p.rdb.HMGet(ctx, namesKey(draftID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, v := range infos {
		m := PresenceMember{SessionID: alive[i]}
		if s, ok := v.(string); ok {
			_ = json.Unmarshal([]byte(s), &m)
			m.SessionID = alive[i]
		}
		members = append(members, m)
	}
	return members, nil
}
