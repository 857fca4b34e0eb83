package collab

import (
	"slices"
)

func (r *Room) sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(r.order))
	for _, sid := range r.order {
		if m, ok := r.members[sid]; ok {
			out = append(out, m.info)
		}
	}
	return out
}

func (r *Room) handleJoin(c joinCmd) {
	sid := c.info.SessionID
	if c.info.Role == "" {
		c.info.Role = RoleEditor
	}

	// 同一会话重复 join：只替换投递目标并重发快照
	_, rejoin := r.members[sid]
	r.members[sid] = &member{m: c.m, info: c.info}
	if !rejoin {
		r.order = append(r.order, sid)
	}

	snap := PresenceSnapshotEvent{
		Type:       EventPresenceSnapshot,
		DraftID:    r.id,
		SessionID:  sid,
		Version:    r.version,
		State:      r.state.String(),
		ArtifactID: r.artifactID,
		Document:   r.doc.Clone(),
		Locks:      r.lockTable(),
		Sessions:   r.sessions(),
	}
	c.m.Deliver(snap)
	if !rejoin {
		r.broadcast(SessionJoinedEvent{Type: EventSessionJoined, DraftID: r.id, Session: c.info}, sid)
	}
	c.reply <- result[PresenceSnapshotEvent]{val: snap}
}

func (r *Room) handleLeave(c leaveCmd) {
	m, ok := r.members[c.sessionID]
	if !ok {
		c.reply <- result[int]{val: len(r.members)}
		return
	}

	// 断开时按显式释放处理它持有的锁
	for _, lk := range r.locksOwnedBy(c.sessionID) {
		r.releaseLock(lk)
	}

	delete(r.members, c.sessionID)
	r.order = slices.DeleteFunc(r.order, func(sid string) bool { return sid == c.sessionID })
	r.broadcast(SessionLeftEvent{Type: EventSessionLeft, DraftID: r.id, Session: m.info}, "")
	c.reply <- result[int]{val: len(r.members)}
}
