package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"draftServer/backend/internal/store"

	"golang.org/x/sync/singleflight"
)

// Lease 保证同一草稿同一时间只有一个进程在协调（*cache.RoomLease 实现它）
type Lease interface {
	Claim(ctx context.Context, draftID string) (bool, error)
	Renew(ctx context.Context, draftID string) (bool, error)
	Release(ctx context.Context, draftID string) error
	TTL() time.Duration
}

type roomEntry struct {
	room *Room
	refs int
	stop chan struct{}

	// closing 之后条目仍留在表里，直到房间退出且租约释放，gone 随之关闭。
	// 同一节点的租约按节点 ID 认领，提前移除会让新房间的租约被旧房间释放掉。
	closing bool
	gone    chan struct{}
}

// Registry 按草稿 ID 懒创建房间，最后一个会话离开时销毁
type Registry struct {
	store Store
	sink  EventSink
	lease Lease
	opt   Options

	mu    sync.Mutex
	rooms map[string]*roomEntry
	sf    singleflight.Group
}

func NewRegistry(st Store, sink EventSink, lease Lease, opt Options) *Registry {
	return &Registry{
		store: st,
		sink:  sink,
		lease: lease,
		opt:   opt.withDefaults(),
		rooms: make(map[string]*roomEntry),
	}
}

// Join 找到（必要时从存储加载）房间并把 m 加进去
func (g *Registry) Join(ctx context.Context, draftID string, m Member, info SessionInfo) (*Room, PresenceSnapshotEvent, error) {
	room, err := g.retain(ctx, draftID)
	if err != nil {
		return nil, PresenceSnapshotEvent{}, err
	}
	snap, err := room.Join(ctx, m, info)
	if err != nil {
		g.release(draftID, room)
		return nil, PresenceSnapshotEvent{}, err
	}
	return room, snap, nil
}

// Leave 把会话移出房间；房间空了就关闭并释放租约
func (g *Registry) Leave(ctx context.Context, draftID, sessionID string) error {
	g.mu.Lock()
	e, ok := g.rooms[draftID]
	if ok && e.closing {
		ok = false
	}
	g.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	_, err := e.room.Leave(ctx, sessionID)
	g.release(draftID, e.room)
	if errors.Is(err, ErrRoomClosed) {
		return nil
	}
	return err
}

// Peek 返回已加载的房间，不会触发加载
func (g *Registry) Peek(draftID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[draftID]
	if !ok || e.closing {
		return nil, false
	}
	return e.room, true
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.rooms {
		if !e.closing {
			n++
		}
	}
	return n
}

// Close 关闭所有房间（进程退出时）
func (g *Registry) Close() {
	g.mu.Lock()
	entries := make(map[string]*roomEntry, len(g.rooms))
	var pending []chan struct{}
	for id, e := range g.rooms {
		if e.closing {
			pending = append(pending, e.gone)
			continue
		}
		e.closing = true
		entries[id] = e
	}
	g.mu.Unlock()

	for id, e := range entries {
		g.teardown(id, e)
	}
	for _, gone := range pending {
		<-gone
	}
}

func (g *Registry) retain(ctx context.Context, draftID string) (*Room, error) {
	for {
		g.mu.Lock()
		if e, ok := g.rooms[draftID]; ok {
			if e.closing {
				// 等旧房间彻底退出再重新加载
				gone := e.gone
				g.mu.Unlock()
				select {
				case <-gone:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			e.refs++
			g.mu.Unlock()
			return e.room, nil
		}
		g.mu.Unlock()

		// 同一草稿的并发冷加载合并成一次
		ch := g.sf.DoChan(draftID, func() (interface{}, error) {
			return nil, g.open(draftID)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Registry) open(draftID string) error {
	// 已存在（包括正在关闭的）条目交给 retain 处理
	g.mu.Lock()
	_, ok := g.rooms[draftID]
	g.mu.Unlock()
	if ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opt.PersistTimeout)
	defer cancel()

	if g.lease != nil {
		owned, err := g.lease.Claim(ctx, draftID)
		if err != nil {
			return &Error{Kind: KindPersistence, Code: CodePersistence, Message: "claim draft", Err: err}
		}
		if !owned {
			return newError(KindConflict, CodeOwnedElsewhere, "draft %s is coordinated by another node", draftID)
		}
	}

	d, err := g.store.LoadDraft(ctx, draftID)
	if err != nil {
		if g.lease != nil {
			_ = g.lease.Release(ctx, draftID)
		}
		if errors.Is(err, store.ErrDraftNotFound) {
			return &Error{Kind: KindValidation, Code: CodeDraftNotFound, Message: draftID, Err: err}
		}
		return &Error{Kind: KindPersistence, Code: CodePersistence, Message: "load draft", Err: err}
	}

	room := NewRoom(d, g.store, g.sink, g.opt)
	e := &roomEntry{room: room, stop: make(chan struct{}), gone: make(chan struct{})}
	if g.lease != nil {
		room.claim = g.reclaim(draftID)
		go g.renewLoop(draftID, e)
	}

	g.mu.Lock()
	g.rooms[draftID] = e
	g.mu.Unlock()
	log.Printf("room opened draft=%s version=%d", draftID, d.Version)
	return nil
}

func (g *Registry) release(draftID string, room *Room) {
	g.mu.Lock()
	e, ok := g.rooms[draftID]
	if !ok || e.room != room || e.closing {
		g.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		g.mu.Unlock()
		return
	}
	e.closing = true
	g.mu.Unlock()

	g.teardown(draftID, e)
}

// teardown 等房间退出（可能要等进行中的发布），释放租约后才把条目移出表
func (g *Registry) teardown(draftID string, e *roomEntry) {
	close(e.stop)
	e.room.Close()
	if g.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opt.PersistTimeout)
		if err := g.lease.Release(ctx, draftID); err != nil {
			log.Printf("release lease failed draft=%s err=%v", draftID, err)
		}
		cancel()
	}

	g.mu.Lock()
	if g.rooms[draftID] == e {
		delete(g.rooms, draftID)
	}
	g.mu.Unlock()
	close(e.gone)
}

func (g *Registry) reclaim(draftID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		owned, err := g.lease.Renew(ctx, draftID)
		if err == nil && !owned {
			owned, err = g.lease.Claim(ctx, draftID)
		}
		if err != nil {
			return err
		}
		if !owned {
			return newError(KindConflict, CodeOwnedElsewhere, "draft %s is coordinated by another node", draftID)
		}
		return nil
	}
}

// renewLoop 按 TTL 的 1/3 续租；续租失败说明别的节点接管了，房间降级直到重新拿到租约
func (g *Registry) renewLoop(draftID string, e *roomEntry) {
	ticker := time.NewTicker(g.lease.TTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.opt.PersistTimeout)
			owned, err := g.lease.Renew(ctx, draftID)
			cancel()
			if err != nil {
				log.Printf("renew lease error draft=%s err=%v", draftID, err)
				continue
			}
			if !owned {
				log.Printf("lease lost draft=%s", draftID)
				e.room.markDegraded("ownership lease lost")
			}
		}
	}
}
