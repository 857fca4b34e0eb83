package store

import (
	"context"
	"errors"
	"fmt"

	"draftServer/backend/internal/draft"

	"github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

var (
	ErrDraftNotFound    = errors.New("draft not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	// 版本列不匹配：别的写者已经推进了版本
	ErrVersionConflict = errors.New("draft version conflict")
	// 草稿已经发布过，不再接受写入
	ErrAlreadyPublished = errors.New("draft already published")
)

type DraftStore struct{ db *gorm.DB }

func NewDraftStore(db *gorm.DB) *DraftStore {
	return &DraftStore{db: db}
}

func (s *DraftStore) CreateDraft(ctx context.Context, ownerID uint64, title string) (Draft, error) {
	d := Draft{
		ID:      ulid.Make().String(),
		OwnerID: ownerID,
		Title:   title,
		Doc:     draft.Document{Title: title, Fields: []draft.Field{}},
		Version: 0,
		Active:  true,
	}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		return Draft{}, err
	}
	return d, nil
}

func (s *DraftStore) LoadDraft(ctx context.Context, draftID string) (Draft, error) {
	var d Draft
	err := s.db.WithContext(ctx).Where("id = ?", draftID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Draft{}, ErrDraftNotFound
	}
	if err != nil {
		return Draft{}, err
	}
	return d, nil
}

// SaveDraft 把 baseVersion 上的草稿写成 baseVersion+1。
// 只有库里的版本仍是 baseVersion 且草稿未发布时才会生效。
func (s *DraftStore) SaveDraft(ctx context.Context, draftID string, baseVersion int64, doc draft.Document) error {
	res := s.db.WithContext(ctx).Model(&Draft{}).
		Where("id = ? AND version = ? AND active = ?", draftID, baseVersion, true).
		Select("title", "doc", "version").
		Updates(&Draft{Title: doc.Title, Doc: doc, Version: baseVersion + 1})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.classifyMiss(ctx, s.db.WithContext(ctx), draftID)
}

// PublishDraft 在一个事务里创建 Artifact 并把草稿标记为不可编辑
func (s *DraftStore) PublishDraft(ctx context.Context, in PublishInput) (Artifact, error) {
	a := Artifact{
		ID:          ulid.Make().String(),
		DraftID:     in.DraftID,
		Title:       in.Doc.Title,
		Doc:         in.Doc,
		Version:     in.Version,
		PublishedBy: in.PublishedBy,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Draft{}).
			Where("id = ? AND version = ? AND active = ?", in.DraftID, in.Version, true).
			Select("active", "artifact_id").
			Updates(&Draft{Active: false, ArtifactID: a.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return s.classifyMiss(ctx, tx, in.DraftID)
		}
		if err := tx.Create(&a).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrAlreadyPublished
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Artifact{}, err
	}
	return a, nil
}

func (s *DraftStore) GetArtifact(ctx context.Context, artifactID string) (Artifact, error) {
	var a Artifact
	err := s.db.WithContext(ctx).Where("id = ?", artifactID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Artifact{}, ErrArtifactNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// classifyMiss 解释一次没有命中任何行的条件更新
func (s *DraftStore) classifyMiss(ctx context.Context, db *gorm.DB, draftID string) error {
	var cur Draft
	err := db.WithContext(ctx).Select("id", "version", "active").Where("id = ?", draftID).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDraftNotFound
	}
	if err != nil {
		return err
	}
	if !cur.Active {
		return ErrAlreadyPublished
	}
	return fmt.Errorf("%w: stored version %d", ErrVersionConflict, cur.Version)
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
