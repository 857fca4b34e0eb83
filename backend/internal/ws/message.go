package ws

import (
	"encoding/json"
	"errors"

	"draftServer/backend/internal/collab"
	"draftServer/backend/internal/draft"
)

// 客户端消息类型
const (
	MsgJoin          = "join"
	MsgLeave         = "leave"
	MsgLockAcquire   = "lock_acquire"
	MsgLockHeartbeat = "lock_heartbeat"
	MsgLockRelease   = "lock_release"
	MsgStream        = "stream"
	MsgApplyPatch    = "apply_patch"
	MsgPublish       = "publish"
	MsgResync        = "resync"
	MsgPing          = "ping"
)

// 服务端自己产生的消息类型（其余都是房间事件）
const (
	MsgWelcome = "welcome"
	MsgError   = "error"
	MsgPong    = "pong"
)

type ClientMessage struct {
	Type        string          `json:"type"`
	DraftID     string          `json:"draftId"`
	LockKey     string          `json:"lockKey,omitempty"`
	FieldID     string          `json:"fieldId,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	BaseVersion int64           `json:"baseVersion"`
	Commands    draft.Commands  `json:"commands,omitempty"`
	// publish 时客户端认为的最终快照，可选
	Snapshot *draft.Document `json:"snapshot,omitempty"`
	// join 时可以换一个新令牌
	Token string `json:"token,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type WelcomeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    uint64 `json:"userId"`
	Username  string `json:"username,omitempty"`
	Role      string `json:"role"`
}

type ErrorMessage struct {
	Type           string `json:"type"`
	DraftID        string `json:"draftId,omitempty"`
	Code           string `json:"code"`
	Message        string `json:"message,omitempty"`
	CurrentVersion int64  `json:"currentVersion,omitempty"`
	Owner          string `json:"owner,omitempty"`
}

type PongMessage struct {
	Type string `json:"type"`
}

// roomEvent 包一层房间事件，序列化时原样输出
type roomEvent struct {
	collab.Event
}

func (m WelcomeMessage) MessageType() string { return m.Type }
func (m ErrorMessage) MessageType() string   { return m.Type }
func (m PongMessage) MessageType() string    { return m.Type }
func (m roomEvent) MessageType() string      { return m.EventType() }

func (m roomEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Event)
}

func errorMessage(draftID string, err error) ErrorMessage {
	msg := ErrorMessage{Type: MsgError, DraftID: draftID, Code: collab.CodeOf(err), Message: err.Error()}
	var ce *collab.Error
	if errors.As(err, &ce) {
		msg.Message = ce.Message
		msg.CurrentVersion = ce.CurrentVersion
		msg.Owner = ce.Owner
	}
	return msg
}
