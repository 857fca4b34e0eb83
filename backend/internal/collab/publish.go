package collab

import (
	"context"
	"errors"
	"log"

	"draftServer/backend/internal/store"
)

const (
	PublishReasonStale  = "stale"
	PublishReasonFailed = "publish failed"
)

// pendingPublish 是正在落库的那一次发布（同一时间最多一个）
type pendingPublish struct {
	sessionID string
	authorID  uint64
	version   int64
	reply     replyTo[store.Artifact]
}

func (r *Room) handlePublish(c publishCmd) {
	m, err := r.requireMember(c.sessionID, true)
	if err != nil {
		c.reply.fail(err)
		return
	}

	switch r.state {
	case StatePublishing:
		// 不排队，直接拒绝
		c.reply.fail(newError(KindConflict, CodePublishInProgress, "draft %s is being published", r.id))
		return
	case StatePublished:
		c.reply.fail(newError(KindConflict, CodePublished, "draft %s is published", r.id))
		return
	case StateDegraded:
		c.reply.fail(newError(KindPersistence, CodeRoomDegraded, "draft %s must resync", r.id))
		return
	}

	r.state = StatePublishing
	r.broadcast(PublishStartedEvent{Type: EventPublishStarted, DraftID: r.id, SessionID: c.sessionID}, "")

	if c.baseVersion != r.version || (c.snapshot != nil && !c.snapshot.Equal(r.doc)) {
		r.state = StateEditable
		r.broadcast(PublishFailedEvent{Type: EventPublishFailed, DraftID: r.id, Reason: PublishReasonStale}, "")
		e := newError(KindConflict, CodeStalePublish, "publish base does not match draft")
		e.CurrentVersion = r.version
		e.Notified = true
		c.reply.fail(e)
		return
	}

	r.pending = &pendingPublish{sessionID: c.sessionID, authorID: m.info.UserID, version: r.version, reply: c.reply}
	in := store.PublishInput{DraftID: r.id, Version: r.version, Doc: r.doc.Clone(), PublishedBy: m.info.UserID}

	// 落库在 actor 外进行；Publishing 状态下补丁一律被拒绝，版本不会变
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opt.PublishTimeout)
		defer cancel()
		a, err := r.store.PublishDraft(ctx, in)
		r.inbox <- publishDoneCmd{artifact: a, err: err}
	}()
}

func (r *Room) finishPublish(c publishDoneCmd) {
	p := r.pending
	r.pending = nil
	if p == nil {
		return
	}

	if c.err != nil {
		log.Printf("publish failed draft=%s version=%d err=%v", r.id, p.version, c.err)
		if r.state == StatePublishing {
			r.state = StateEditable
		}
		r.broadcast(PublishFailedEvent{Type: EventPublishFailed, DraftID: r.id, Reason: PublishReasonFailed}, "")
		if errors.Is(c.err, store.ErrVersionConflict) || errors.Is(c.err, store.ErrAlreadyPublished) {
			r.degrade("durable draft diverged")
		}
		p.reply.fail(&Error{Kind: KindPersistence, Code: CodePersistence, Message: "publish failed", CurrentVersion: r.version, Notified: true, Err: c.err})
		return
	}

	r.state = StatePublished
	r.artifactID = c.artifact.ID
	clear(r.streams)
	log.Printf("draft published draft=%s version=%d artifact=%s", r.id, p.version, c.artifact.ID)
	r.broadcast(PublishedEvent{Type: EventPublished, DraftID: r.id, ArtifactID: c.artifact.ID, Version: p.version}, "")
	r.emit(DraftEvent{
		EventType:   DraftEventPublished,
		DraftID:     r.id,
		OperationID: c.artifact.ID,
		Version:     p.version,
		AuthorID:    p.authorID,
		SessionID:   p.sessionID,
		ArtifactID:  c.artifact.ID,
		OccurredAt:  r.opt.Now(),
	})
	p.reply <- result[store.Artifact]{val: c.artifact}
}
