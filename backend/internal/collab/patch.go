package collab

import (
	"context"
	"errors"
	"log"

	"draftServer/backend/internal/draft"

	"github.com/oklog/ulid/v2"
)

// reject 把拒绝原因以 patch_rejected 发给提交者，并作为错误返回
func (r *Room) reject(c patchCmd, e *Error) {
	e.Notified = true
	if e.CurrentVersion == 0 {
		e.CurrentVersion = r.version
	}
	r.deliver(c.sessionID, PatchRejectedEvent{
		Type:           EventPatchRejected,
		DraftID:        r.id,
		Code:           e.Code,
		Message:        e.Message,
		CurrentVersion: e.CurrentVersion,
		Owner:          e.Owner,
	})
	c.reply.fail(e)
}

func (r *Room) handlePatch(c patchCmd) {
	m, err := r.requireMember(c.sessionID, true)
	if err != nil {
		c.reply.fail(err)
		return
	}

	switch r.state {
	case StatePublished:
		r.reject(c, newError(KindConflict, CodePublished, "draft %s is published", r.id))
		return
	case StatePublishing:
		r.reject(c, newError(KindConflict, CodePublishInProgress, "draft %s is being published", r.id))
		return
	case StateDegraded:
		r.reject(c, newError(KindPersistence, CodeRoomDegraded, "draft %s must resync", r.id))
		return
	}

	// 乐观并发：每个版本号只有一个补丁能成功
	if c.baseVersion != r.version {
		r.reject(c, staleVersion(r.version))
		return
	}

	for _, cmd := range c.commands {
		for _, id := range draft.FieldIDs(cmd) {
			if lk := r.liveLock(draft.LockKey(id)); lk != nil && lk.owner != c.sessionID {
				e := newError(KindConflict, CodeFieldLocked, "field %s is locked", id)
				e.Owner = lk.owner
				r.reject(c, e)
				return
			}
		}
	}

	next, err := draft.Apply(r.doc, c.commands, r.opt.Columns)
	if err != nil {
		r.reject(c, &Error{Kind: KindValidation, Code: CodeInvalidPatch, Message: err.Error(), Err: err})
		return
	}

	// 落库期间 actor 不处理其他命令，同房间的后续操作在 inbox 里排队
	ctx, cancel := context.WithTimeout(context.Background(), r.opt.PersistTimeout)
	err = r.store.SaveDraft(ctx, r.id, r.version, next)
	cancel()
	if err != nil {
		log.Printf("persist patch failed draft=%s base=%d session=%s err=%v", r.id, r.version, c.sessionID, err)
		r.degrade("persist failed")
		c.reply.fail(&Error{Kind: KindPersistence, Code: CodePersistence, Message: "draft could not be saved", CurrentVersion: r.version, Err: err})
		return
	}

	r.doc = next
	r.version++
	r.settleStreams(c.commands)

	opID := ulid.Make().String()
	r.broadcast(PatchCommittedEvent{
		Type:      EventPatchCommitted,
		DraftID:   r.id,
		Version:   r.version,
		Commands:  c.commands,
		SessionID: c.sessionID,
		OpID:      opID,
	}, "")
	r.emit(DraftEvent{
		EventType:   DraftEventPatchCommitted,
		DraftID:     r.id,
		OperationID: opID,
		Version:     r.version,
		AuthorID:    m.info.UserID,
		SessionID:   c.sessionID,
		Commands:    c.commands,
		OccurredAt:  r.opt.Now(),
	})
	c.reply <- result[int64]{val: r.version}
}

// degrade 让房间停止接受修改，直到从存储重新同步成功
func (r *Room) degrade(reason string) {
	if r.state == StateDegraded {
		return
	}
	r.state = StateDegraded
	log.Printf("room degraded draft=%s version=%d reason=%s", r.id, r.version, reason)
	r.broadcast(ResyncRequiredEvent{Type: EventResyncRequired, DraftID: r.id, Reason: reason}, "")
}

var errPublishPending = errors.New("publish still in flight")

// resync 从存储重新加载权威快照。to 非空时只把结果发给该会话（房间本身没有降级）
func (r *Room) resync(to string) error {
	if r.state != StateDegraded {
		if to != "" {
			r.deliver(to, r.resyncedEvent())
		}
		return nil
	}
	// 发布还没落定时不重载，等 finishPublish 决定最终状态
	if r.pending != nil {
		return errPublishPending
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opt.PersistTimeout)
	defer cancel()
	if r.claim != nil {
		if err := r.claim(ctx); err != nil {
			return err
		}
	}
	d, err := r.store.LoadDraft(ctx, r.id)
	if err != nil {
		return err
	}
	r.load(d)
	log.Printf("room resynced draft=%s version=%d state=%s", r.id, r.version, r.state)
	r.broadcast(r.resyncedEvent(), "")
	return nil
}

func (r *Room) resyncedEvent() ResyncedEvent {
	return ResyncedEvent{Type: EventResynced, DraftID: r.id, Version: r.version, State: r.state.String(), Document: r.doc.Clone()}
}

func (r *Room) handleResync(c resyncCmd) {
	if _, err := r.requireMember(c.sessionID, false); err != nil {
		c.reply.fail(err)
		return
	}
	if err := r.resync(c.sessionID); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errPublishPending) {
			log.Printf("resync failed draft=%s err=%v", r.id, err)
		}
		c.reply.fail(&Error{Kind: KindPersistence, Code: CodeRoomDegraded, Message: "resync failed", Err: err})
		return
	}
	c.reply <- result[RoomSnapshot]{val: r.snapshot()}
}
