package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"draftServer/backend/internal/draft"
	"draftServer/backend/internal/store"
)

const (
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Store 是房间用到的持久化能力，*store.DraftStore 实现了它
type Store interface {
	LoadDraft(ctx context.Context, draftID string) (store.Draft, error)
	SaveDraft(ctx context.Context, draftID string, baseVersion int64, doc draft.Document) error
	PublishDraft(ctx context.Context, in store.PublishInput) (store.Artifact, error)
}

// Member 是房间里的一个会话。Deliver 不能阻塞（由连接层自己排队）
type Member interface {
	SessionID() string
	Deliver(Event)
}

type PublishState int

const (
	StateEditable PublishState = iota
	StatePublishing
	StatePublished
	// 落库失败后与存储不一致，等待重新同步
	StateDegraded
)

func (s PublishState) String() string {
	switch s {
	case StatePublishing:
		return "publishing"
	case StatePublished:
		return "published"
	case StateDegraded:
		return "degraded"
	default:
		return "editable"
	}
}

type Options struct {
	LockTTL        time.Duration
	SweepInterval  time.Duration
	InboxSize      int
	Columns        int
	PersistTimeout time.Duration
	PublishTimeout time.Duration
	// 写 kafka 队列最多等多久，超时就丢
	EventTimeout time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 15 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.Columns <= 0 {
		o.Columns = draft.DefaultColumns
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 3 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = 20 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RoomSnapshot 是房间当前状态的只读拷贝
type RoomSnapshot struct {
	DraftID    string         `json:"draftId"`
	Version    int64          `json:"version"`
	State      string         `json:"state"`
	ArtifactID string         `json:"artifactId,omitempty"`
	Document   draft.Document `json:"snapshot"`
	Locks      []LockInfo     `json:"locks"`
	Sessions   []SessionInfo  `json:"sessions"`
}

type member struct {
	m    Member
	info SessionInfo
}

// Room 是一个草稿的单线程 actor：锁表、快照、版本只在 run 所在的 goroutine 里读写。
type Room struct {
	id    string
	store Store
	sink  EventSink
	opt   Options
	// 重新同步前确认本节点仍拥有该草稿（registry 注入）
	claim func(ctx context.Context) error

	inbox     chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	doc        draft.Document
	version    int64
	state      PublishState
	artifactID string
	members    map[string]*member
	order      []string
	locks      map[string]*lock
	streams    map[string]string
	pending    *pendingPublish
	closing    bool
}

// NewRoom 用从存储加载的草稿创建房间并启动 actor
func NewRoom(d store.Draft, st Store, sink EventSink, opt Options) *Room {
	opt = opt.withDefaults()
	r := &Room{
		id:      d.ID,
		store:   st,
		sink:    sink,
		opt:     opt,
		inbox:   make(chan command, opt.InboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		members: make(map[string]*member),
		locks:   make(map[string]*lock),
		streams: make(map[string]string),
	}
	r.load(d)
	go r.run()
	return r
}

func (r *Room) ID() string { return r.id }

// Done 在 actor 退出后关闭
func (r *Room) Done() <-chan struct{} { return r.done }

// Close 停止 actor；正在进行的发布会先跑完
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.done
}

func (r *Room) load(d store.Draft) {
	r.doc = d.Doc.Clone()
	r.version = d.Version
	r.artifactID = d.ArtifactID
	if d.Active {
		r.state = StateEditable
	} else {
		r.state = StatePublished
	}
}

func (r *Room) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opt.SweepInterval)
	defer ticker.Stop()

	quit := r.quit
	for {
		select {
		case cmd := <-r.inbox:
			r.handle(cmd)
		case <-ticker.C:
			r.sweep()
		case <-quit:
			quit = nil
			r.closing = true
		}
		if r.closing && r.pending == nil {
			r.drain()
			log.Printf("room closed draft=%s version=%d", r.id, r.version)
			return
		}
	}
}

func (r *Room) drain() {
	for {
		select {
		case cmd := <-r.inbox:
			cmd.fail(ErrRoomClosed)
		default:
			return
		}
	}
}

func (r *Room) handle(cmd command) {
	if r.closing {
		if done, ok := cmd.(publishDoneCmd); ok {
			r.finishPublish(done)
			return
		}
		cmd.fail(ErrRoomClosed)
		return
	}
	switch c := cmd.(type) {
	case joinCmd:
		r.handleJoin(c)
	case leaveCmd:
		r.handleLeave(c)
	case acquireCmd:
		r.handleAcquire(c)
	case heartbeatCmd:
		r.handleHeartbeat(c)
	case releaseCmd:
		r.handleRelease(c)
	case streamCmd:
		r.handleStream(c)
	case patchCmd:
		r.handlePatch(c)
	case publishCmd:
		r.handlePublish(c)
	case publishDoneCmd:
		r.finishPublish(c)
	case resyncCmd:
		r.handleResync(c)
	case snapshotCmd:
		c.reply <- result[RoomSnapshot]{val: r.snapshot()}
	case sweepCmd:
		r.sweep()
		c.reply <- result[struct{}]{}
	case degradeCmd:
		r.degrade(c.reason)
	default:
		log.Printf("room %s: unknown command %T", r.id, cmd)
	}
}

func (r *Room) snapshot() RoomSnapshot {
	return RoomSnapshot{
		DraftID:    r.id,
		Version:    r.version,
		State:      r.state.String(),
		ArtifactID: r.artifactID,
		Document:   r.doc.Clone(),
		Locks:      r.lockTable(),
		Sessions:   r.sessions(),
	}
}

func (r *Room) sweep() {
	r.expireLocks()
	if r.state == StateDegraded {
		// 失败了下个 tick 再试
		_ = r.resync("")
	}
}

// broadcast 按加入顺序投递给除 except 外的所有成员
func (r *Room) broadcast(e Event, except string) {
	for _, sid := range r.order {
		if sid == except {
			continue
		}
		if m, ok := r.members[sid]; ok {
			m.m.Deliver(e)
		}
	}
}

func (r *Room) deliver(sessionID string, e Event) {
	if m, ok := r.members[sessionID]; ok {
		m.m.Deliver(e)
	}
}

func (r *Room) emit(evt DraftEvent) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opt.EventTimeout)
	defer cancel()
	if err := r.sink.Enqueue(ctx, evt); err != nil {
		log.Printf("draft event dropped draft=%s type=%s version=%d err=%v", r.id, evt.EventType, evt.Version, err)
	}
}

// requireMember 校验会话已加入本房间；editor 为 true 时还要求编辑权限
func (r *Room) requireMember(sessionID string, editor bool) (*member, error) {
	m, ok := r.members[sessionID]
	if !ok {
		return nil, &Error{Kind: KindProtocol, Code: CodeNotJoined, Message: r.id, Err: ErrNotJoined}
	}
	if editor && m.info.Role == RoleViewer {
		return nil, newError(KindProtocol, CodeForbidden, "viewer cannot modify draft %s", r.id)
	}
	return m, nil
}
