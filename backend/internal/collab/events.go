package collab

import (
	"encoding/json"

	"draftServer/backend/internal/draft"
)

// Event 是房间发给成员的出站消息
type Event interface {
	EventType() string
}

// Ephemeral 标记可以在拥塞时丢弃的事件（只有流式预览）
type Ephemeral interface {
	Ephemeral() bool
}

const (
	EventPresenceSnapshot = "presence_snapshot"
	EventSessionJoined    = "session_joined"
	EventSessionLeft      = "session_left"
	EventLockGranted      = "lock_granted"
	EventLockDenied       = "lock_denied"
	EventLockChanged      = "lock_changed"
	EventLockExpired      = "lock_expired"
	EventStreamPartial    = "stream_partial"
	EventStreamAborted    = "stream_aborted"
	EventPatchCommitted   = "patch_committed"
	EventPatchRejected    = "patch_rejected"
	EventPublishStarted   = "publish_started"
	EventPublished        = "published"
	EventPublishFailed    = "publish_failed"
	EventResyncRequired   = "resync_required"
	EventResynced         = "resynced"
)

type SessionInfo struct {
	SessionID string `json:"sessionId"`
	UserID    uint64 `json:"userId"`
	Username  string `json:"username,omitempty"`
	Role      string `json:"role,omitempty"`
}

type LockInfo struct {
	LockKey string `json:"lockKey"`
	Owner   string `json:"owner"`
}

type PresenceSnapshotEvent struct {
	Type       string         `json:"type"`
	DraftID    string         `json:"draftId"`
	SessionID  string         `json:"sessionId"`
	Version    int64          `json:"version"`
	State      string         `json:"state"`
	ArtifactID string         `json:"artifactId,omitempty"`
	Document   draft.Document `json:"snapshot"`
	Locks      []LockInfo     `json:"locks"`
	Sessions   []SessionInfo  `json:"sessions"`
}

type SessionJoinedEvent struct {
	Type    string      `json:"type"`
	DraftID string      `json:"draftId"`
	Session SessionInfo `json:"session"`
}

type SessionLeftEvent struct {
	Type    string      `json:"type"`
	DraftID string      `json:"draftId"`
	Session SessionInfo `json:"session"`
}

type LockGrantedEvent struct {
	Type    string `json:"type"`
	DraftID string `json:"draftId"`
	LockKey string `json:"lockKey"`
	Owner   string `json:"owner"`
}

type LockDeniedEvent struct {
	Type    string `json:"type"`
	DraftID string `json:"draftId"`
	LockKey string `json:"lockKey"`
	Owner   string `json:"owner"`
}

// LockChangedEvent 的 Owner 为空表示锁已释放
type LockChangedEvent struct {
	Type    string `json:"type"`
	DraftID string `json:"draftId"`
	LockKey string `json:"lockKey"`
	Owner   string `json:"owner,omitempty"`
}

type LockExpiredEvent struct {
	Type          string `json:"type"`
	DraftID       string `json:"draftId"`
	LockKey       string `json:"lockKey"`
	PreviousOwner string `json:"previousOwner"`
}

type StreamPartialEvent struct {
	Type      string          `json:"type"`
	DraftID   string          `json:"draftId"`
	FieldID   string          `json:"fieldId"`
	Value     json.RawMessage `json:"value"`
	SessionID string          `json:"sessionId"`
}

type StreamAbortedEvent struct {
	Type      string `json:"type"`
	DraftID   string `json:"draftId"`
	FieldID   string `json:"fieldId"`
	SessionID string `json:"sessionId"`
}

type PatchCommittedEvent struct {
	Type      string         `json:"type"`
	DraftID   string         `json:"draftId"`
	Version   int64          `json:"version"`
	Commands  draft.Commands `json:"commands"`
	SessionID string         `json:"sessionId"`
	OpID      string         `json:"opId"`
}

type PatchRejectedEvent struct {
	Type           string `json:"type"`
	DraftID        string `json:"draftId"`
	Code           string `json:"code"`
	Message        string `json:"message,omitempty"`
	CurrentVersion int64  `json:"currentVersion"`
	Owner          string `json:"owner,omitempty"`
}

type PublishStartedEvent struct {
	Type      string `json:"type"`
	DraftID   string `json:"draftId"`
	SessionID string `json:"sessionId"`
}

type PublishedEvent struct {
	Type       string `json:"type"`
	DraftID    string `json:"draftId"`
	ArtifactID string `json:"artifactId"`
	Version    int64  `json:"version"`
}

type PublishFailedEvent struct {
	Type    string `json:"type"`
	DraftID string `json:"draftId"`
	Reason  string `json:"reason"`
}

type ResyncRequiredEvent struct {
	Type    string `json:"type"`
	DraftID string `json:"draftId"`
	Reason  string `json:"reason"`
}

type ResyncedEvent struct {
	Type     string         `json:"type"`
	DraftID  string         `json:"draftId"`
	Version  int64          `json:"version"`
	State    string         `json:"state"`
	Document draft.Document `json:"snapshot"`
}

func (e PresenceSnapshotEvent) EventType() string { return e.Type }
func (e SessionJoinedEvent) EventType() string    { return e.Type }
func (e SessionLeftEvent) EventType() string      { return e.Type }
func (e LockGrantedEvent) EventType() string      { return e.Type }
func (e LockDeniedEvent) EventType() string       { return e.Type }
func (e LockChangedEvent) EventType() string      { return e.Type }
func (e LockExpiredEvent) EventType() string      { return e.Type }
func (e StreamPartialEvent) EventType() string    { return e.Type }
func (e StreamAbortedEvent) EventType() string    { return e.Type }
func (e PatchCommittedEvent) EventType() string   { return e.Type }
func (e PatchRejectedEvent) EventType() string    { return e.Type }
func (e PublishStartedEvent) EventType() string   { return e.Type }
func (e PublishedEvent) EventType() string        { return e.Type }
func (e PublishFailedEvent) EventType() string    { return e.Type }
func (e ResyncRequiredEvent) EventType() string   { return e.Type }
func (e ResyncedEvent) EventType() string         { return e.Type }

func (StreamPartialEvent) Ephemeral() bool { return true }

// IsEphemeral 判断事件在发送队列满时是否可以直接丢弃
func IsEphemeral(e Event) bool {
	if x, ok := e.(Ephemeral); ok {
		return x.Ephemeral()
	}
	return false
}
