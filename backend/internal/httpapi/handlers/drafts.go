package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"draftServer/backend/internal/auth"
	"draftServer/backend/internal/cache"
	"draftServer/backend/internal/collab"
	"draftServer/backend/internal/draft"
	"draftServer/backend/internal/store"
)

// DraftRepo 是 REST 层用到的持久化操作
type DraftRepo interface {
	CreateDraft(ctx context.Context, ownerID uint64, title string) (store.Draft, error)
	LoadDraft(ctx context.Context, draftID string) (store.Draft, error)
	GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error)
}

type DraftHandler struct {
	repo      DraftRepo
	registry  *collab.Registry
	artifacts *cache.ArtifactCache
	presence  cache.PresenceCache
}

// registry / artifacts / presence 都可以为 nil
func NewDraftHandler(repo DraftRepo, reg *collab.Registry, artifacts *cache.ArtifactCache, presence cache.PresenceCache) *DraftHandler {
	return &DraftHandler{repo: repo, registry: reg, artifacts: artifacts, presence: presence}
}

func (h *DraftHandler) Register(g *gin.RouterGroup) {
	g.POST("/drafts", h.CreateDraft)
	g.GET("/drafts/:id", h.GetDraft)
	g.GET("/drafts/:id/presence", h.GetPresence)
	g.GET("/artifacts/:id", h.GetArtifact)
}

type draftView struct {
	DraftID    string               `json:"draftId"`
	OwnerID    uint64               `json:"ownerId,omitempty"`
	Title      string               `json:"title"`
	Version    int64                `json:"version"`
	State      string               `json:"state"`
	ArtifactID string               `json:"artifactId,omitempty"`
	Document   draft.Document       `json:"snapshot"`
	Locks      []collab.LockInfo    `json:"locks,omitempty"`
	Sessions   []collab.SessionInfo `json:"sessions,omitempty"`
	// 房间已加载时返回内存里的权威快照
	Live bool `json:"live"`
}

func (h *DraftHandler) CreateDraft(c *gin.Context) {
	//从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	ownerID, ok := c.Get(auth.CtxUserID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": collab.CodeUnauthenticated, "message": "unauthorized"})
		return
	}
	uid, ok := ownerID.(uint64)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": collab.CodeUnauthenticated, "message": "invalid user id"})
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": collab.CodeInvalidMessage, "message": err.Error()})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}

	d, err := h.repo.CreateDraft(c.Request.Context(), uid, title)
	if err != nil {
		log.Printf("create draft error (user=%d): %v", uid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": collab.CodePersistence, "message": "create draft failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"draftId":   d.ID,
		"ownerId":   d.OwnerID,
		"title":     d.Title,
		"version":   d.Version,
		"createdAt": d.CreatedAt.Format(time.RFC3339),
	})
}

func (h *DraftHandler) GetDraft(c *gin.Context) {
	id := c.Param("id")
	if h.registry != nil {
		if room, ok := h.registry.Peek(id); ok {
			snap, err := room.Snapshot(c.Request.Context())
			if err == nil {
				c.JSON(http.StatusOK, draftView{
					DraftID:    snap.DraftID,
					Title:      snap.Document.Title,
					Version:    snap.Version,
					State:      snap.State,
					ArtifactID: snap.ArtifactID,
					Document:   snap.Document,
					Locks:      snap.Locks,
					Sessions:   snap.Sessions,
					Live:       true,
				})
				return
			}
			// 房间刚好关闭，退回读存储
			if !errors.Is(err, collab.ErrRoomClosed) {
				log.Printf("room snapshot error (draft=%s): %v", id, err)
			}
		}
	}

	d, err := h.repo.LoadDraft(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrDraftNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": collab.CodeDraftNotFound, "message": id})
			return
		}
		log.Printf("load draft error (draft=%s): %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": collab.CodePersistence, "message": "load draft failed"})
		return
	}
	state := collab.StateEditable
	if !d.Active {
		state = collab.StatePublished
	}
	c.JSON(http.StatusOK, draftView{
		DraftID:    d.ID,
		OwnerID:    d.OwnerID,
		Title:      d.Title,
		Version:    d.Version,
		State:      state.String(),
		ArtifactID: d.ArtifactID,
		Document:   d.Doc,
	})
}

// GetPresence 读 redis 里的在线镜像，可能包含其他节点上的会话
func (h *DraftHandler) GetPresence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusOK, gin.H{"draftId": c.Param("id"), "members": []cache.PresenceMember{}})
		return
	}
	members, err := h.presence.GetAliveMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Printf("get presence error (draft=%s): %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "presence unavailable"})
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"draftId": c.Param("id"), "members": members})
}

func (h *DraftHandler) GetArtifact(c *gin.Context) {
	id := c.Param("id")
	fetch := func(ctx context.Context) ([]byte, bool, error) {
		a, err := h.repo.GetArtifact(ctx, id)
		if errors.Is(err, store.ErrArtifactNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		b, err := json.Marshal(a)
		return b, err == nil, err
	}

	var (
		body   []byte
		exists bool
		err    error
	)
	if h.artifacts != nil {
		body, exists, err = h.artifacts.GetOrLoad(c.Request.Context(), id, fetch)
	} else {
		body, exists, err = fetch(c.Request.Context())
	}
	if err != nil {
		log.Printf("get artifact error (artifact=%s): %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": collab.CodePersistence, "message": "load artifact failed"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"code": "ARTIFACT_NOT_FOUND", "message": id})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
