package store

import (
	"time"

	"draftServer/backend/internal/draft"
)

// Draft 是可编辑草稿的持久化行，Version 是乐观并发列
type Draft struct {
	ID         string         `json:"id"         gorm:"primaryKey;size:26"`
	OwnerID    uint64         `json:"ownerId"    gorm:"index"`
	Title      string         `json:"title"      gorm:"size:255"`
	Doc        draft.Document `json:"snapshot"   gorm:"serializer:json;type:longtext"`
	Version    int64          `json:"version"    gorm:"not null;default:0"`
	Active     bool           `json:"active"     gorm:"not null;default:true"`
	ArtifactID string         `json:"artifactId,omitempty" gorm:"size:26"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (Draft) TableName() string { return "drafts" }

// Artifact 是发布后的不可变记录，一个草稿最多对应一个
type Artifact struct {
	ID          string         `json:"id"          gorm:"primaryKey;size:26"`
	DraftID     string         `json:"draftId"     gorm:"size:26;uniqueIndex"`
	Title       string         `json:"title"       gorm:"size:255"`
	Doc         draft.Document `json:"snapshot"    gorm:"serializer:json;type:longtext"`
	Version     int64          `json:"version"`
	PublishedBy uint64         `json:"publishedBy"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func (Artifact) TableName() string { return "artifacts" }

type PublishInput struct {
	DraftID     string
	Version     int64
	Doc         draft.Document
	PublishedBy uint64
}
