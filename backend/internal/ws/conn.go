package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"draftServer/backend/internal/auth"
	"draftServer/backend/internal/collab"

	"github.com/gorilla/websocket"
)

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	m         *Manager
	sessionID string
	userID    uint64
	identity  auth.Identity
	// 出站队列，由 writeLoop 单独消费
	send chan OutboundMessage

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	strikes     int

	// 只在读循环里访问
	rooms map[string]*collab.Room
	// writeLoop 退出后关闭
	done chan struct{}
}

func newConn(ws *websocket.Conn, m *Manager, sessionID string, id auth.Identity) *Conn {
	return &Conn{
		ws:        ws,
		hub:       m.hub,
		m:         m,
		sessionID: sessionID,
		userID:    id.UserID,
		identity:  id,
		send:      make(chan OutboundMessage, m.opt.SendQueue),
		closeCode: websocket.CloseNormalClosure,
		rooms:     make(map[string]*collab.Room),
		done:      make(chan struct{}),
	}
}

func (c *Conn) SessionID() string { return c.sessionID }

// Deliver 由房间 actor 调用，不能阻塞
func (c *Conn) Deliver(e collab.Event) {
	c.enqueue(roomEvent{e}, collab.IsEphemeral(e))
}

// enqueue 非阻塞入队。队列满时：可丢弃的消息直接丢，权威消息则断开连接让客户端重新 join
func (c *Conn) enqueue(msg OutboundMessage, droppable bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
	}
	if droppable {
		return false
	}
	log.Printf("send queue full, closing (session=%s, user=%d, type=%s)", c.sessionID, c.userID, msg.MessageType())
	c.closeLocked(websocket.CloseTryAgainLater, "send queue overflow")
	return false
}

func (c *Conn) shutdown(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Conn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) sessionInfo() collab.SessionInfo {
	return collab.SessionInfo{
		SessionID: c.sessionID,
		UserID:    c.userID,
		Username:  c.identity.Username,
		Role:      c.identity.Role,
	}
}

// protocolError 回一条 error 并记一次违规，达到上限后按策略违规断开
func (c *Conn) protocolError(draftID, code, message string) {
	c.enqueue(ErrorMessage{Type: MsgError, DraftID: draftID, Code: code, Message: message}, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes++
	log.Printf("protocol error (session=%s, user=%d, code=%s, strikes=%d): %s", c.sessionID, c.userID, code, c.strikes, message)
	if c.strikes >= c.m.opt.StrikeLimit {
		c.closeLocked(websocket.ClosePolicyViolation, "too many protocol errors")
	}
}

// reply 把房间操作的失败结果回给客户端；房间已经以事件通知过的不再重复
func (c *Conn) reply(draftID string, err error) {
	if err == nil || collab.Notified(err) {
		return
	}
	if collab.KindOf(err) == collab.KindProtocol && errors.Is(err, collab.ErrNotJoined) {
		c.protocolError(draftID, collab.CodeNotJoined, err.Error())
		return
	}
	if collab.KindOf(err) == collab.KindInternal {
		log.Printf("room operation failed (draft=%s, session=%s): %v", draftID, c.sessionID, err)
	}
	c.enqueue(errorMessage(draftID, err), false)
}

// submit 在信号量限制下执行一次房间操作，拿不到名额时回 BUSY
func (c *Conn) submit(ctx context.Context, draftID string, op func(ctx context.Context) error) {
	if sem := c.m.sem; sem != nil {
		waitCtx, cancel := context.WithTimeout(ctx, c.m.opt.SubmitWait)
		err := sem.Acquire(waitCtx)
		cancel()
		if err != nil {
			c.enqueue(ErrorMessage{Type: MsgError, DraftID: draftID, Code: collab.CodeBusy, Message: err.Error()}, false)
			return
		}
		defer func() { _ = sem.Release() }()
	}

	opCtx, cancel := context.WithTimeout(ctx, c.m.opt.OpTimeout)
	defer cancel()
	c.reply(draftID, op(opCtx))
}

func (c *Conn) joined(msg ClientMessage) (*collab.Room, bool) {
	room, ok := c.rooms[msg.DraftID]
	if !ok {
		c.protocolError(msg.DraftID, collab.CodeNotJoined, "join the draft first")
		return nil, false
	}
	return room, true
}

// refuse 身份无效：回 UNAUTHENTICATED 并断开
func (c *Conn) refuse(draftID string, err error) {
	log.Printf("join refused (draft=%s, session=%s, user=%d): %v", draftID, c.sessionID, c.userID, err)
	c.enqueue(ErrorMessage{Type: MsgError, DraftID: draftID, Code: collab.CodeUnauthenticated, Message: err.Error()}, false)
	c.shutdown(websocket.ClosePolicyViolation, "unauthenticated")
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.DraftID == "" {
		c.protocolError("", collab.CodeInvalidMessage, "draftId is required")
		return
	}
	if msg.Token != "" && c.m.verifier != nil {
		vctx, cancel := context.WithTimeout(ctx, c.m.opt.OpTimeout)
		fresh, err := c.m.verifier.Verify(vctx, msg.Token)
		cancel()
		if err != nil {
			c.refuse(msg.DraftID, err)
			return
		}
		if fresh.UserID != c.userID {
			c.refuse(msg.DraftID, errors.New("token belongs to another user"))
			return
		}
		c.identity = fresh
	}
	if c.identity.Expired(c.m.now()) {
		c.refuse(msg.DraftID, auth.ErrInvalidToken)
		return
	}

	if room, ok := c.rooms[msg.DraftID]; ok {
		// 重复 join：房间只会重发快照
		c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
			_, err := room.Join(ctx, c, c.sessionInfo())
			return err
		})
		return
	}
	c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
		room, snap, err := c.m.registry.Join(ctx, msg.DraftID, c, c.sessionInfo())
		if err != nil {
			return err
		}
		c.rooms[msg.DraftID] = room
		c.hub.Join(ctx, msg.DraftID, c)
		log.Printf("session joined (draft=%s, session=%s, user=%d, version=%d)", msg.DraftID, c.sessionID, c.userID, snap.Version)
		return nil
	})
}

func (c *Conn) handleLeave(ctx context.Context, msg ClientMessage) {
	if _, ok := c.joined(msg); !ok {
		return
	}
	c.leave(ctx, msg.DraftID)
}

func (c *Conn) leave(ctx context.Context, draftID string) {
	delete(c.rooms, draftID)
	opCtx, cancel := context.WithTimeout(ctx, c.m.opt.OpTimeout)
	defer cancel()
	if err := c.m.registry.Leave(opCtx, draftID, c.sessionID); err != nil && !errors.Is(err, collab.ErrNotJoined) {
		log.Printf("leave draft error (draft=%s, session=%s): %v", draftID, c.sessionID, err)
	}
	c.hub.Leave(opCtx, draftID, c)
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgPing:
		for draftID := range c.rooms {
			c.hub.touch(ctx, draftID, c)
		}
		c.enqueue(PongMessage{Type: MsgPong}, false)

	case MsgJoin:
		c.handleJoin(ctx, msg)

	case MsgLeave:
		c.handleLeave(ctx, msg)

	case MsgLockAcquire:
		room, ok := c.joined(msg)
		if !ok {
			return
		}
		// granted / denied 由房间直接推给本会话
		c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
			_, err := room.AcquireLock(ctx, c.sessionID, msg.LockKey)
			return err
		})

	case MsgLockHeartbeat:
		room, ok := c.joined(msg)
		if !ok {
			return
		}
		c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
			return room.HeartbeatLock(ctx, c.sessionID, msg.LockKey)
		})

	case MsgLockRelease:
		room, ok := c.joined(msg)
		if !ok {
			return
		}
		c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
			return room.ReleaseLock(ctx, c.sessionID, msg.LockKey)
		})

	case MsgStream:
		room, ok := c.joined(msg)
		if !ok {
			return
		}
		// 预览不排队也不占信号量，房间忙时直接丢
		room.StreamPartial(c.sessionID, msg.FieldID, msg.Value)

	case MsgApplyPatch:
		room, ok := c.joined(msg)
		if !ok {
			return
		}
		c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
			_, err := room.ApplyPatch(ctx, c.sessionID, msg.BaseVersion, msg.Commands)
			return err
		})

	case MsgPublish:
		room, ok := c.joined(msg)
		if !ok {
			return
		}
		// 发布要等存储，放到后台，读循环继续处理心跳
		go c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
			_, err := room.RequestPublish(ctx, c.sessionID, msg.BaseVersion, msg.Snapshot)
			return err
		})

	case MsgResync:
		room, ok := c.joined(msg)
		if !ok {
			return
		}
		c.submit(ctx, msg.DraftID, func(ctx context.Context) error {
			_, err := room.Resync(ctx, c.sessionID)
			return err
		})

	default:
		c.protocolError(msg.DraftID, collab.CodeInvalidMessage, "unknown message type "+msg.Type)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.cleanup()
	if c.m.opt.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.m.opt.MaxMessageBytes)
	}
	for {
		if c.m.opt.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opt.ReadTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				log.Printf("read error (session=%s, user=%d): %v", c.sessionID, c.userID, err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.protocolError("", collab.CodeInvalidMessage, "malformed message: "+err.Error())
		} else {
			c.dispatch(ctx, msg)
		}
		if c.isClosed() {
			return
		}
	}
}

// cleanup 断线时离开所有房间（等同于显式释放它持有的锁）
func (c *Conn) cleanup() {
	c.shutdown(websocket.CloseNormalClosure, "")
	ctx := context.Background()
	for draftID := range c.rooms {
		c.leave(ctx, draftID)
	}
	c.hub.Unregister(c)
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()
	// 持续消费通道中的消息，直到 send 被关闭
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opt.WriteTimeout))
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write error (session=%s, user=%d): %v", c.sessionID, c.userID, err)
			c.shutdown(websocket.CloseAbnormalClosure, "")
			return
		}
	}
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
