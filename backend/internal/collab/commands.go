package collab

import (
	"context"
	"encoding/json"

	"draftServer/backend/internal/draft"
	"draftServer/backend/internal/store"
)

// command 是投递到房间 inbox 的一条操作
type command interface {
	fail(err error)
}

type result[T any] struct {
	val T
	err error
}

type replyTo[T any] chan result[T]

func (c replyTo[T]) fail(err error) {
	if c != nil {
		c <- result[T]{err: err}
	}
}

type joinCmd struct {
	m     Member
	info  SessionInfo
	reply replyTo[PresenceSnapshotEvent]
}

type leaveCmd struct {
	sessionID string
	reply     replyTo[int]
}

type acquireCmd struct {
	sessionID string
	key       string
	reply     replyTo[LockResult]
}

type heartbeatCmd struct {
	sessionID string
	key       string
	reply     replyTo[struct{}]
}

type releaseCmd struct {
	sessionID string
	key       string
	reply     replyTo[struct{}]
}

type streamCmd struct {
	sessionID string
	fieldID   string
	value     json.RawMessage
}

type patchCmd struct {
	sessionID   string
	baseVersion int64
	commands    draft.Commands
	reply       replyTo[int64]
}

type publishCmd struct {
	sessionID   string
	baseVersion int64
	snapshot    *draft.Document
	reply       replyTo[store.Artifact]
}

type publishDoneCmd struct {
	artifact store.Artifact
	err      error
}

type resyncCmd struct {
	sessionID string
	reply     replyTo[RoomSnapshot]
}

type snapshotCmd struct {
	reply replyTo[RoomSnapshot]
}

type sweepCmd struct {
	reply replyTo[struct{}]
}

type degradeCmd struct {
	reason string
}

func (c joinCmd) fail(err error)      { c.reply.fail(err) }
func (c leaveCmd) fail(err error)     { c.reply.fail(err) }
func (c acquireCmd) fail(err error)   { c.reply.fail(err) }
func (c heartbeatCmd) fail(err error) { c.reply.fail(err) }
func (c releaseCmd) fail(err error)   { c.reply.fail(err) }
func (streamCmd) fail(error)          {}
func (c patchCmd) fail(err error)     { c.reply.fail(err) }
func (c publishCmd) fail(err error)   { c.reply.fail(err) }
func (publishDoneCmd) fail(error)     {}
func (c resyncCmd) fail(err error)    { c.reply.fail(err) }
func (c snapshotCmd) fail(err error)  { c.reply.fail(err) }
func (c sweepCmd) fail(err error)     { c.reply.fail(err) }
func (degradeCmd) fail(error)         {}

// call 把命令送进 inbox 并等待 actor 回复
func call[T any](ctx context.Context, r *Room, build func(reply replyTo[T]) command) (T, error) {
	var zero T
	reply := make(replyTo[T], 1)
	select {
	case r.inbox <- build(reply):
	case <-r.done:
		return zero, ErrRoomClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.val, res.err
	case <-r.done:
		select {
		case res := <-reply:
			return res.val, res.err
		default:
			return zero, ErrRoomClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Join 把会话加入房间；快照同时投递给 m 并返回
func (r *Room) Join(ctx context.Context, m Member, info SessionInfo) (PresenceSnapshotEvent, error) {
	info.SessionID = m.SessionID()
	return call(ctx, r, func(reply replyTo[PresenceSnapshotEvent]) command {
		return joinCmd{m: m, info: info, reply: reply}
	})
}

// Leave 移除会话并释放它持有的所有锁，返回剩余成员数
func (r *Room) Leave(ctx context.Context, sessionID string) (int, error) {
	return call(ctx, r, func(reply replyTo[int]) command {
		return leaveCmd{sessionID: sessionID, reply: reply}
	})
}

func (r *Room) AcquireLock(ctx context.Context, sessionID, lockKey string) (LockResult, error) {
	return call(ctx, r, func(reply replyTo[LockResult]) command {
		return acquireCmd{sessionID: sessionID, key: lockKey, reply: reply}
	})
}

func (r *Room) HeartbeatLock(ctx context.Context, sessionID, lockKey string) error {
	_, err := call(ctx, r, func(reply replyTo[struct{}]) command {
		return heartbeatCmd{sessionID: sessionID, key: lockKey, reply: reply}
	})
	return err
}

func (r *Room) ReleaseLock(ctx context.Context, sessionID, lockKey string) error {
	_, err := call(ctx, r, func(reply replyTo[struct{}]) command {
		return releaseCmd{sessionID: sessionID, key: lockKey, reply: reply}
	})
	return err
}

// StreamPartial 不等待、不排队：inbox 满了就直接丢弃，返回是否已投递
func (r *Room) StreamPartial(sessionID, fieldID string, value json.RawMessage) bool {
	select {
	case r.inbox <- streamCmd{sessionID: sessionID, fieldID: fieldID, value: value}:
		return true
	default:
		return false
	}
}

// ApplyPatch 返回提交后的新版本
func (r *Room) ApplyPatch(ctx context.Context, sessionID string, baseVersion int64, cmds draft.Commands) (int64, error) {
	return call(ctx, r, func(reply replyTo[int64]) command {
		return patchCmd{sessionID: sessionID, baseVersion: baseVersion, commands: cmds, reply: reply}
	})
}

// RequestPublish 阻塞到发布有结果为止。snapshot 可为 nil（只校验版本）
func (r *Room) RequestPublish(ctx context.Context, sessionID string, baseVersion int64, snapshot *draft.Document) (store.Artifact, error) {
	return call(ctx, r, func(reply replyTo[store.Artifact]) command {
		return publishCmd{sessionID: sessionID, baseVersion: baseVersion, snapshot: snapshot, reply: reply}
	})
}

// Resync 让降级的房间立即尝试从存储恢复，并把权威快照发给请求方
func (r *Room) Resync(ctx context.Context, sessionID string) (RoomSnapshot, error) {
	return call(ctx, r, func(reply replyTo[RoomSnapshot]) command {
		return resyncCmd{sessionID: sessionID, reply: reply}
	})
}

func (r *Room) Snapshot(ctx context.Context) (RoomSnapshot, error) {
	return call(ctx, r, func(reply replyTo[RoomSnapshot]) command {
		return snapshotCmd{reply: reply}
	})
}

func (r *Room) sweepNow(ctx context.Context) error {
	_, err := call(ctx, r, func(reply replyTo[struct{}]) command {
		return sweepCmd{reply: reply}
	})
	return err
}

// markDegraded 从 actor 外部把房间置为降级（例如失去租约）
func (r *Room) markDegraded(reason string) {
	select {
	case r.inbox <- degradeCmd{reason: reason}:
	case <-r.done:
	}
}
