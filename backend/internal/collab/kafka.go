package collab

import (
	"context"
	"time"

	"draftServer/backend/internal/draft"
)

const (
	DraftEventPatchCommitted = "PATCH_COMMITTED"
	DraftEventPublished      = "DRAFT_PUBLISHED"
)

// DraftEvent 是写到 kafka 的草稿变更事件，key 为 draftId
type DraftEvent struct {
	EventType   string         `json:"eventType"`
	DraftID     string         `json:"draftId"`
	OperationID string         `json:"operationId"`
	Version     int64          `json:"version"`
	AuthorID    uint64         `json:"authorId"`
	SessionID   string         `json:"sessionId"`
	Commands    draft.Commands `json:"commands,omitempty"`
	ArtifactID  string         `json:"artifactId,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// EventSink 接收房间提交后的事件，不能长时间阻塞（*KafkaDispatcher 实现它）
type EventSink interface {
	Enqueue(ctx context.Context, evt DraftEvent) error
}
