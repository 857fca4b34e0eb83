package collab

import (
	"draftServer/backend/internal/draft"
)

// 流式预览只转发给其他成员，不落库、不改版本。
// 只有持有该字段锁的会话可以推流，其余的静默丢弃。
func (r *Room) handleStream(c streamCmd) {
	if _, err := r.requireMember(c.sessionID, true); err != nil {
		return
	}
	if r.state != StateEditable {
		return
	}
	key := draft.LockKey(c.fieldID)
	lk := r.liveLock(key)
	if lk == nil || lk.owner != c.sessionID {
		return
	}
	r.streams[key] = c.sessionID
	r.broadcast(StreamPartialEvent{
		Type:      EventStreamPartial,
		DraftID:   r.id,
		FieldID:   c.fieldID,
		Value:     c.value,
		SessionID: c.sessionID,
	}, c.sessionID)
}

// abortStream 在锁被释放/过期/断开时通知观察者丢弃预览
func (r *Room) abortStream(key, owner string) {
	sid, ok := r.streams[key]
	if !ok || sid != owner {
		return
	}
	delete(r.streams, key)
	r.broadcast(StreamAbortedEvent{
		Type:      EventStreamAborted,
		DraftID:   r.id,
		FieldID:   fieldOfLock(key),
		SessionID: owner,
	}, owner)
}

// settleStreams 在补丁提交后清掉被覆盖字段的预览标记
func (r *Room) settleStreams(cmds draft.Commands) {
	for _, cmd := range cmds {
		for _, id := range draft.FieldIDs(cmd) {
			delete(r.streams, draft.LockKey(id))
		}
	}
}
