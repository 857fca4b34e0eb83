package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"draftServer/backend/internal/draft"
	"draftServer/backend/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeMember struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func newMember(id string) *fakeMember { return &fakeMember{id: id} }

func (f *fakeMember) SessionID() string { return f.id }

func (f *fakeMember) Deliver(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeMember) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType())
	}
	return out
}

func (f *fakeMember) find(typ string) (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].EventType() == typ {
			return f.events[i], true
		}
	}
	return nil, false
}

func (f *fakeMember) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore 默认实现版本门控；测试可以用函数字段覆盖行为
type fakeStore struct {
	mu     sync.Mutex
	drafts map[string]store.Draft
	saves  int
	loads  int

	saveFn    func(ctx context.Context, id string, base int64, doc draft.Document) error
	publishFn func(ctx context.Context, in store.PublishInput) (store.Artifact, error)
	loadFn    func(ctx context.Context, id string) (store.Draft, error)
}

func newFakeStore(drafts ...store.Draft) *fakeStore {
	s := &fakeStore{drafts: make(map[string]store.Draft)}
	for _, d := range drafts {
		s.drafts[d.ID] = d
	}
	return s
}

func (s *fakeStore) LoadDraft(ctx context.Context, id string) (store.Draft, error) {
	s.mu.Lock()
	s.loads++
	fn := s.loadFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return store.Draft{}, store.ErrDraftNotFound
	}
	return d, nil
}

func (s *fakeStore) SaveDraft(ctx context.Context, id string, base int64, doc draft.Document) error {
	s.mu.Lock()
	fn := s.saveFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, base, doc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return store.ErrDraftNotFound
	}
	if d.Version != base {
		return store.ErrVersionConflict
	}
	d.Doc, d.Version = doc.Clone(), base+1
	s.drafts[id] = d
	s.saves++
	return nil
}

func (s *fakeStore) PublishDraft(ctx context.Context, in store.PublishInput) (store.Artifact, error) {
	s.mu.Lock()
	fn := s.publishFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drafts[in.DraftID]
	if !d.Active {
		return store.Artifact{}, store.ErrAlreadyPublished
	}
	d.Active = false
	d.ArtifactID = "art-" + in.DraftID
	s.drafts[in.DraftID] = d
	return store.Artifact{ID: d.ArtifactID, DraftID: in.DraftID, Version: in.Version, Doc: in.Doc}, nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) setSave(fn func(ctx context.Context, id string, base int64, doc draft.Document) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveFn = fn
}

func (s *fakeStore) setPublish(fn func(ctx context.Context, in store.PublishInput) (store.Artifact, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishFn = fn
}

// ---- helpers ----

func seedDraft() store.Draft {
	return store.Draft{
		ID:     "d1",
		Active: true,
		Doc: draft.Document{Title: "hello", Fields: []draft.Field{
			{ID: "b1", Type: "text", Value: json.RawMessage(`"one"`), Layout: draft.Layout{W: 12, H: 1}},
		}},
	}
}

type roomFixture struct {
	room  *Room
	store *fakeStore
	clock *fakeClock
}

func newRoomFixture(t *testing.T) roomFixture {
	t.Helper()
	st := newFakeStore(seedDraft())
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d, err := st.LoadDraft(context.Background(), "d1")
	require.NoError(t, err)
	room := NewRoom(d, st, nil, Options{Now: clk.Now, LockTTL: 15 * time.Second, SweepInterval: time.Hour})
	t.Cleanup(room.Close)
	return roomFixture{room: room, store: st, clock: clk}
}

func join(t *testing.T, r *Room, m *fakeMember, role string) PresenceSnapshotEvent {
	t.Helper()
	snap, err := r.Join(context.Background(), m, SessionInfo{UserID: 1, Username: m.id, Role: role})
	require.NoError(t, err)
	return snap
}

func setValue(id, v string) draft.Commands {
	return draft.Commands{draft.SetValue{ID: id, Value: json.RawMessage(v)}}
}

func requireCode(t *testing.T, err error, kind ErrorKind, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "want *Error, got %T: %v", err, err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, code, e.Code)
	return e
}

// ---- tests ----

func TestRoom_JoinSendsSnapshotAndNotifiesOthers(t *testing.T) {
	f := newRoomFixture(t)
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	_, err := f.room.AcquireLock(context.Background(), "A", draft.LockKey(draft.TitleFieldID))
	require.NoError(t, err)

	snap := join(t, f.room, b, RoleEditor)
	assert.Equal(t, "B", snap.SessionID)
	assert.Equal(t, int64(0), snap.Version)
	assert.Equal(t, "hello", snap.Document.Title)
	assert.Equal(t, []LockInfo{{LockKey: "block:title", Owner: "A"}}, snap.Locks)
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, "A", snap.Sessions[0].SessionID)

	ev, ok := a.find(EventSessionJoined)
	require.True(t, ok)
	assert.Equal(t, "B", ev.(SessionJoinedEvent).Session.SessionID)
	_, ok = b.find(EventSessionJoined)
	assert.False(t, ok, "joiner must not get its own session_joined")
}

func TestRoom_LockContention(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	res, err := f.room.AcquireLock(ctx, "A", "block:title")
	require.NoError(t, err)
	assert.True(t, res.Granted)
	_, ok := a.find(EventLockGranted)
	assert.True(t, ok)
	changed, ok := b.find(EventLockChanged)
	require.True(t, ok)
	assert.Equal(t, "A", changed.(LockChangedEvent).Owner)

	res, err = f.room.AcquireLock(ctx, "B", "block:title")
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, "A", res.Owner)
	denied, ok := b.find(EventLockDenied)
	require.True(t, ok)
	assert.Equal(t, "A", denied.(LockDeniedEvent).Owner)

	require.NoError(t, f.room.ReleaseLock(ctx, "A", "block:title"))
	released, ok := b.find(EventLockChanged)
	require.True(t, ok)
	assert.Empty(t, released.(LockChangedEvent).Owner)

	res, err = f.room.AcquireLock(ctx, "B", "block:title")
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, "B", res.Owner)
}

func TestRoom_ReacquireIsIdempotent(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	_, err := f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)
	b.reset()

	res, err := f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Empty(t, b.types(), "re-acquire must not broadcast")
}

func TestRoom_ReleaseAndHeartbeatByNonOwnerAreNoops(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)
	_, err := f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)
	a.reset()
	b.reset()

	require.NoError(t, f.room.ReleaseLock(ctx, "B", "block:b1"))
	require.NoError(t, f.room.HeartbeatLock(ctx, "B", "block:b1"))
	require.NoError(t, f.room.ReleaseLock(ctx, "B", "block:missing"))

	assert.Empty(t, a.types())
	assert.Empty(t, b.types())
	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []LockInfo{{LockKey: "block:b1", Owner: "A"}}, snap.Locks)
}

func TestRoom_LockExpiresWithoutHeartbeat(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	_, err := f.room.AcquireLock(ctx, "A", "block:title")
	require.NoError(t, err)

	// 心跳在期限内续上
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.room.HeartbeatLock(ctx, "A", "block:title"))
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.room.sweepNow(ctx))
	_, ok := b.find(EventLockExpired)
	require.False(t, ok, "heartbeat should keep the lock alive")

	f.clock.Advance(6 * time.Second)
	require.NoError(t, f.room.sweepNow(ctx))
	ev, ok := b.find(EventLockExpired)
	require.True(t, ok)
	assert.Equal(t, "A", ev.(LockExpiredEvent).PreviousOwner)
	assert.Equal(t, "block:title", ev.(LockExpiredEvent).LockKey)

	res, err := f.room.AcquireLock(ctx, "B", "block:title")
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestRoom_ExpiredLockReclaimedLazilyOnAcquire(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	_, err := f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)
	f.clock.Advance(16 * time.Second)

	res, err := f.room.AcquireLock(ctx, "B", "block:b1")
	require.NoError(t, err)
	assert.True(t, res.Granted)
	_, ok := a.find(EventLockExpired)
	assert.True(t, ok)
}

func TestRoom_ConcurrentEditRace(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	v, err := f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"from A"`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = f.room.ApplyPatch(ctx, "B", 0, setValue("b1", `"from B"`))
	e := requireCode(t, err, KindConflict, CodeStaleVersion)
	assert.Equal(t, int64(1), e.CurrentVersion)
	assert.True(t, Notified(err))

	rejected, ok := b.find(EventPatchRejected)
	require.True(t, ok)
	assert.Equal(t, int64(1), rejected.(PatchRejectedEvent).CurrentVersion)

	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	fld, _ := snap.Document.Field("b1")
	assert.JSONEq(t, `"from A"`, string(fld.Value))
	assert.Equal(t, 1, f.store.saveCount())

	// 提交者本人也会收到 patch_committed
	for _, m := range []*fakeMember{a, b} {
		ev, ok := m.find(EventPatchCommitted)
		require.True(t, ok)
		assert.Equal(t, int64(1), ev.(PatchCommittedEvent).Version)
		assert.Equal(t, "A", ev.(PatchCommittedEvent).SessionID)
	}
}

func TestRoom_PatchBatchBumpsVersionOnce(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	join(t, f.room, newMember("A"), RoleEditor)

	v, err := f.room.ApplyPatch(ctx, "A", 0, draft.Commands{
		draft.InsertField{Field: draft.Field{ID: "b2", Type: "text", Layout: draft.Layout{W: 6, H: 1}}},
		draft.SetValue{ID: "b2", Value: json.RawMessage(`"two"`)},
		draft.SetTitle{Title: "renamed"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = f.room.ApplyPatch(ctx, "A", 1, draft.Commands{draft.InsertField{Field: draft.Field{ID: "b2"}}})
	requireCode(t, err, KindValidation, CodeInvalidPatch)

	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, "renamed", snap.Document.Title)
}

func TestRoom_PatchOnFieldLockedByOther(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	join(t, f.room, newMember("A"), RoleEditor)
	join(t, f.room, newMember("B"), RoleEditor)

	_, err := f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)

	_, err = f.room.ApplyPatch(ctx, "B", 0, setValue("b1", `"x"`))
	e := requireCode(t, err, KindConflict, CodeFieldLocked)
	assert.Equal(t, "A", e.Owner)

	v, err := f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"x"`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestRoom_StreamRelayNeverPersists(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	// 没有锁：静默丢弃
	require.True(t, f.room.StreamPartial("A", "b1", json.RawMessage(`"typ"`)))
	_, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := b.find(EventStreamPartial)
	assert.False(t, ok)

	_, err = f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)
	for _, v := range []string{`"t"`, `"ty"`, `"typ"`} {
		require.True(t, f.room.StreamPartial("A", "b1", json.RawMessage(v)))
	}
	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)

	ev, ok := b.find(EventStreamPartial)
	require.True(t, ok)
	assert.Equal(t, "A", ev.(StreamPartialEvent).SessionID)
	assert.JSONEq(t, `"typ"`, string(ev.(StreamPartialEvent).Value))
	_, ok = a.find(EventStreamPartial)
	assert.False(t, ok, "sender must not get its own preview")

	assert.Equal(t, int64(0), snap.Version)
	assert.Equal(t, 0, f.store.saveCount())
}

func TestRoom_StreamAbortedWhenLockReleasedBeforeCommit(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	_, err := f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)
	f.room.StreamPartial("A", "b1", json.RawMessage(`"draft"`))
	require.NoError(t, f.room.ReleaseLock(ctx, "A", "block:b1"))

	types := b.types()
	require.Contains(t, types, EventStreamAborted)
	// stream_aborted 一定在最后一条预览之后
	var lastPartial, aborted int
	for i, typ := range types {
		switch typ {
		case EventStreamPartial:
			lastPartial = i
		case EventStreamAborted:
			aborted = i
		}
	}
	assert.Greater(t, aborted, lastPartial)
}

func TestRoom_NoStreamAbortAfterCommit(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	_, err := f.room.AcquireLock(ctx, "A", "block:b1")
	require.NoError(t, err)
	f.room.StreamPartial("A", "b1", json.RawMessage(`"final"`))
	_, err = f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"final"`))
	require.NoError(t, err)
	require.NoError(t, f.room.ReleaseLock(ctx, "A", "block:b1"))

	assert.NotContains(t, b.types(), EventStreamAborted)
}

func TestRoom_DisconnectCleanup(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	_, err := f.room.AcquireLock(ctx, "A", "block:title")
	require.NoError(t, err)
	f.room.StreamPartial("A", draft.TitleFieldID, json.RawMessage(`"new ti"`))
	_, err = f.room.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := b.find(EventStreamPartial)
	require.True(t, ok)
	b.reset()

	left, err := f.room.Leave(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	assert.Equal(t, []string{EventStreamAborted, EventLockChanged, EventSessionLeft}, b.types())
	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Locks)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "B", snap.Sessions[0].SessionID)
}

func TestRoom_PersistenceFailureDegradesUntilResync(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	f.store.setSave(func(context.Context, string, int64, draft.Document) error {
		return errors.New("mysql down")
	})
	_, err := f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"lost"`))
	requireCode(t, err, KindPersistence, CodePersistence)
	for _, m := range []*fakeMember{a, b} {
		_, ok := m.find(EventResyncRequired)
		assert.True(t, ok)
	}

	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version, "version rolled back")
	assert.Equal(t, StateDegraded.String(), snap.State)

	f.store.setSave(nil)
	_, err = f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"later"`))
	requireCode(t, err, KindPersistence, CodeRoomDegraded)

	require.NoError(t, f.room.sweepNow(ctx))
	_, ok := b.find(EventResynced)
	require.True(t, ok)

	v, err := f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"later"`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestRoom_PublishRace(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a, b := newMember("A"), newMember("B")
	join(t, f.room, a, RoleEditor)
	join(t, f.room, b, RoleEditor)

	gate := make(chan struct{})
	f.store.setPublish(func(_ context.Context, in store.PublishInput) (store.Artifact, error) {
		<-gate
		return store.Artifact{ID: "art-1", DraftID: in.DraftID, Version: in.Version}, nil
	})

	type outcome struct {
		art store.Artifact
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		art, err := f.room.RequestPublish(ctx, "A", 0, nil)
		done <- outcome{art, err}
	}()

	require.Eventually(t, func() bool {
		_, ok := b.find(EventPublishStarted)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err := f.room.ApplyPatch(ctx, "B", 0, setValue("b1", `"sneak"`))
	requireCode(t, err, KindConflict, CodePublishInProgress)

	_, err = f.room.RequestPublish(ctx, "B", 0, nil)
	requireCode(t, err, KindConflict, CodePublishInProgress)

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "art-1", res.art.ID)

	ev, ok := b.find(EventPublished)
	require.True(t, ok)
	assert.Equal(t, "art-1", ev.(PublishedEvent).ArtifactID)

	_, err = f.room.ApplyPatch(ctx, "B", 0, setValue("b1", `"late"`))
	requireCode(t, err, KindConflict, CodePublished)
	assert.Equal(t, 0, f.store.saveCount())
}

func TestRoom_LeaseLossDuringPublishWaitsForOutcome(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a := newMember("A")
	join(t, f.room, a, RoleEditor)

	gate := make(chan struct{})
	f.store.setPublish(func(_ context.Context, in store.PublishInput) (store.Artifact, error) {
		<-gate
		return store.Artifact{ID: "art-1", DraftID: in.DraftID, Version: in.Version}, nil
	})
	done := make(chan error, 1)
	go func() {
		_, err := f.room.RequestPublish(ctx, "A", 0, nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := a.find(EventPublishStarted)
		return ok
	}, time.Second, 5*time.Millisecond)

	// 发布途中丢了租约，随后的巡检不能把房间拉回可编辑
	f.room.markDegraded("ownership lease lost")
	require.NoError(t, f.room.sweepNow(ctx))

	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDegraded.String(), snap.State)
	_, err = f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"sneak"`))
	requireCode(t, err, KindPersistence, CodeRoomDegraded)
	_, err = f.room.Resync(ctx, "A")
	requireCode(t, err, KindPersistence, CodeRoomDegraded)

	close(gate)
	require.NoError(t, <-done)
	snap, err = f.room.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePublished.String(), snap.State)
	assert.Equal(t, "art-1", snap.ArtifactID)
	assert.Equal(t, 0, f.store.saveCount())
}

func TestRoom_PublishStaleReturnsToEditable(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a := newMember("A")
	join(t, f.room, a, RoleEditor)

	_, err := f.room.RequestPublish(ctx, "A", 3, nil)
	requireCode(t, err, KindConflict, CodeStalePublish)
	ev, ok := a.find(EventPublishFailed)
	require.True(t, ok)
	assert.Equal(t, PublishReasonStale, ev.(PublishFailedEvent).Reason)

	other := seedDraft().Doc
	other.Title = "not what the room has"
	_, err = f.room.RequestPublish(ctx, "A", 0, &other)
	requireCode(t, err, KindConflict, CodeStalePublish)

	v, err := f.room.ApplyPatch(ctx, "A", 0, setValue("b1", `"still editable"`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestRoom_PublishStoreFailureReturnsToEditable(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	a := newMember("A")
	join(t, f.room, a, RoleEditor)

	f.store.setPublish(func(context.Context, store.PublishInput) (store.Artifact, error) {
		return store.Artifact{}, errors.New("tx aborted")
	})
	_, err := f.room.RequestPublish(ctx, "A", 0, nil)
	requireCode(t, err, KindPersistence, CodePersistence)

	snap, err := f.room.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateEditable.String(), snap.State)
	ev, ok := a.find(EventPublishFailed)
	require.True(t, ok)
	assert.Equal(t, PublishReasonFailed, ev.(PublishFailedEvent).Reason)
}

func TestRoom_ViewerCannotMutate(t *testing.T) {
	f := newRoomFixture(t)
	ctx := context.Background()
	join(t, f.room, newMember("V"), RoleViewer)

	_, err := f.room.AcquireLock(ctx, "V", "block:title")
	requireCode(t, err, KindProtocol, CodeForbidden)
	_, err = f.room.ApplyPatch(ctx, "V", 0, setValue("b1", `"x"`))
	requireCode(t, err, KindProtocol, CodeForbidden)
	_, err = f.room.RequestPublish(ctx, "V", 0, nil)
	requireCode(t, err, KindProtocol, CodeForbidden)
}

func TestRoom_UnjoinedSessionIsProtocolError(t *testing.T) {
	f := newRoomFixture(t)
	_, err := f.room.ApplyPatch(context.Background(), "ghost", 0, setValue("b1", `"x"`))
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestRoom_ClosedRoomRejectsCalls(t *testing.T) {
	f := newRoomFixture(t)
	f.room.Close()
	_, err := f.room.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrRoomClosed)
	_, err = f.room.ApplyPatch(context.Background(), "A", 0, setValue("b1", `"x"`))
	assert.ErrorIs(t, err, ErrRoomClosed)
}
