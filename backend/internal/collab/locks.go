package collab

import (
	"sort"
	"strings"
	"time"

	"draftServer/backend/internal/draft"
)

type lock struct {
	key       string
	owner     string
	heartbeat time.Time
	deadline  time.Time
}

// LockResult 是一次 Acquire 的结果；Granted 为 false 时 Owner 是当前持有者
type LockResult struct {
	LockKey string `json:"lockKey"`
	Granted bool   `json:"granted"`
	Owner   string `json:"owner"`
}

func validLockKey(key string) bool {
	return strings.HasPrefix(key, draft.LockKey("")) && len(key) > len(draft.LockKey(""))
}

func fieldOfLock(key string) string {
	return strings.TrimPrefix(key, draft.LockKey(""))
}

func (r *Room) lockTable() []LockInfo {
	now := r.opt.Now()
	out := make([]LockInfo, 0, len(r.locks))
	for _, lk := range r.locks {
		if now.Before(lk.deadline) {
			out = append(out, LockInfo{LockKey: lk.key, Owner: lk.owner})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockKey < out[j].LockKey })
	return out
}

// liveLock 返回 key 上仍然有效的锁；过期的锁在这里被回收
func (r *Room) liveLock(key string) *lock {
	lk, ok := r.locks[key]
	if !ok {
		return nil
	}
	if !r.opt.Now().Before(lk.deadline) {
		r.expireLock(lk)
		return nil
	}
	return lk
}

func (r *Room) locksOwnedBy(sessionID string) []*lock {
	var out []*lock
	for _, lk := range r.locks {
		if lk.owner == sessionID {
			out = append(out, lk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (r *Room) refresh(lk *lock) {
	now := r.opt.Now()
	lk.heartbeat = now
	lk.deadline = now.Add(r.opt.LockTTL)
}

func (r *Room) handleAcquire(c acquireCmd) {
	if _, err := r.requireMember(c.sessionID, true); err != nil {
		c.reply.fail(err)
		return
	}
	if !validLockKey(c.key) {
		c.reply.fail(newError(KindValidation, CodeInvalidMessage, "bad lock key %q", c.key))
		return
	}
	if r.state == StatePublished {
		c.reply.fail(newError(KindConflict, CodePublished, "draft %s is published", r.id))
		return
	}

	lk := r.liveLock(c.key)
	switch {
	case lk == nil:
		lk = &lock{key: c.key, owner: c.sessionID}
		r.refresh(lk)
		r.locks[c.key] = lk
		r.deliver(c.sessionID, LockGrantedEvent{Type: EventLockGranted, DraftID: r.id, LockKey: c.key, Owner: c.sessionID})
		r.broadcast(LockChangedEvent{Type: EventLockChanged, DraftID: r.id, LockKey: c.key, Owner: c.sessionID}, c.sessionID)
	case lk.owner == c.sessionID:
		// 重复获取：刷新期限，不广播
		r.refresh(lk)
		r.deliver(c.sessionID, LockGrantedEvent{Type: EventLockGranted, DraftID: r.id, LockKey: c.key, Owner: c.sessionID})
	default:
		r.deliver(c.sessionID, LockDeniedEvent{Type: EventLockDenied, DraftID: r.id, LockKey: c.key, Owner: lk.owner})
		c.reply <- result[LockResult]{val: LockResult{LockKey: c.key, Granted: false, Owner: lk.owner}}
		return
	}
	c.reply <- result[LockResult]{val: LockResult{LockKey: c.key, Granted: true, Owner: c.sessionID}}
}

func (r *Room) handleHeartbeat(c heartbeatCmd) {
	if _, ok := r.members[c.sessionID]; ok {
		if lk := r.liveLock(c.key); lk != nil && lk.owner == c.sessionID {
			r.refresh(lk)
		}
	}
	c.reply <- result[struct{}]{}
}

func (r *Room) handleRelease(c releaseCmd) {
	if lk := r.liveLock(c.key); lk != nil && lk.owner == c.sessionID {
		r.releaseLock(lk)
	}
	c.reply <- result[struct{}]{}
}

func (r *Room) releaseLock(lk *lock) {
	delete(r.locks, lk.key)
	r.abortStream(lk.key, lk.owner)
	r.broadcast(LockChangedEvent{Type: EventLockChanged, DraftID: r.id, LockKey: lk.key}, "")
}

func (r *Room) expireLock(lk *lock) {
	delete(r.locks, lk.key)
	r.abortStream(lk.key, lk.owner)
	r.broadcast(LockExpiredEvent{Type: EventLockExpired, DraftID: r.id, LockKey: lk.key, PreviousOwner: lk.owner}, "")
}

// expireLocks 回收所有超过心跳期限的锁，按 key 排序保证事件顺序稳定
func (r *Room) expireLocks() {
	now := r.opt.Now()
	var dead []*lock
	for _, lk := range r.locks {
		if !now.Before(lk.deadline) {
			dead = append(dead, lk)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].key < dead[j].key })
	for _, lk := range dead {
		r.expireLock(lk)
	}
}
