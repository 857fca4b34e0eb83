package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"draftServer/backend/internal/cache"
)

// Hub 是连接注册表：sessionID -> 连接，draftID -> 已加入的连接
type Hub struct {
	// 在线成员镜像到 redis，可为 nil
	presence    cache.PresenceCache
	presenceTTL time.Duration
	// 读写锁，保护 conns 与 rooms 两个 map
	mu    sync.RWMutex
	conns map[string]*Conn
	// draftID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	return &Hub{
		presence:    p,
		presenceTTL: presenceTTL,
		conns:       make(map[string]*Conn),
		rooms:       make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.sessionID] = c
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.sessionID] == c {
		delete(h.conns, c.sessionID)
	}
}

func (h *Hub) Get(sessionID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[sessionID]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Join 记录连接加入了草稿房间，并写入 presence 镜像
func (h *Hub) Join(ctx context.Context, draftID string, c *Conn) {
	h.mu.Lock()
	if h.rooms[draftID] == nil {
		// 一个用户可开多个标签页/设备（多连接），所以按连接记而不是按 userID
		h.rooms[draftID] = make(map[*Conn]struct{})
	}
	h.rooms[draftID][c] = struct{}{}
	h.mu.Unlock()
	h.touch(ctx, draftID, c)
}

// Leave 将连接从指定草稿房间移除
func (h *Hub) Leave(ctx context.Context, draftID string, c *Conn) {
	h.mu.Lock()
	if conns, ok := h.rooms[draftID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, draftID)
		}
	}
	h.mu.Unlock()
	if h.presence == nil {
		return
	}
	if err := h.presence.RemoveMember(ctx, draftID, c.sessionID); err != nil {
		log.Printf("remove presence member error (draft=%s, session=%s): %v", draftID, c.sessionID, err)
	}
}

// Connections 返回加入了某草稿的本地连接数
func (h *Hub) Connections(draftID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[draftID])
}

// touch 刷新 presence 镜像里的过期时间
func (h *Hub) touch(ctx context.Context, draftID string, c *Conn) {
	if h.presence == nil {
		return
	}
	m := cache.PresenceMember{SessionID: c.sessionID, UserID: c.identity.UserID, Username: c.identity.Username}
	if err := h.presence.AddMember(ctx, draftID, m, h.presenceTTL); err != nil {
		log.Printf("add presence member error (draft=%s, session=%s): %v", draftID, c.sessionID, err)
	}
}
