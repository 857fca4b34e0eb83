package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"draftServer/backend/internal/auth"
	"draftServer/backend/internal/cache"
	"draftServer/backend/internal/draft"
	"draftServer/backend/internal/store"
)

type fakeRepo struct {
	drafts    map[string]store.Draft
	artifacts map[string]store.Artifact
	artLoads  atomic.Int32
	createErr error
}

func (f *fakeRepo) CreateDraft(_ context.Context, ownerID uint64, title string) (store.Draft, error) {
	if f.createErr != nil {
		return store.Draft{}, f.createErr
	}
	d := store.Draft{ID: "new", OwnerID: ownerID, Title: title, Doc: draft.Document{Title: title}, Active: true, CreatedAt: time.Now()}
	f.drafts[d.ID] = d
	return d, nil
}

func (f *fakeRepo) LoadDraft(_ context.Context, id string) (store.Draft, error) {
	d, ok := f.drafts[id]
	if !ok {
		return store.Draft{}, store.ErrDraftNotFound
	}
	return d, nil
}

func (f *fakeRepo) GetArtifact(_ context.Context, id string) (store.Artifact, error) {
	f.artLoads.Add(1)
	a, ok := f.artifacts[id]
	if !ok {
		return store.Artifact{}, store.ErrArtifactNotFound
	}
	return a, nil
}

func newRouter(t *testing.T, repo *fakeRepo) (*gin.Engine, cache.PresenceCache) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	presence := cache.NewRedisPresence(rdb)
	h := NewDraftHandler(repo, nil, cache.NewArtifactCache(rdb), presence)
	r := gin.New()
	g := r.Group("/", func(c *gin.Context) {
		c.Set(auth.CtxUserID, uint64(42))
		c.Next()
	})
	h.Register(g)
	return r, presence
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateDraft(t *testing.T) {
	repo := &fakeRepo{drafts: map[string]store.Draft{}}
	r, _ := newRouter(t, repo)

	w := do(r, http.MethodPost, "/drafts", `{"title":"  Trip  "}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["title"] != "Trip" || resp["ownerId"] != float64(42) {
		t.Fatalf("unexpected response: %v", resp)
	}

	repo.createErr = errors.New("db down")
	if w := do(r, http.MethodPost, "/drafts", `{}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestGetDraft_FromStore(t *testing.T) {
	repo := &fakeRepo{drafts: map[string]store.Draft{
		"d1": {ID: "d1", Title: "t", Version: 3, Active: false, ArtifactID: "a1", Doc: draft.Document{Title: "t"}},
	}}
	r, _ := newRouter(t, repo)

	w := do(r, http.MethodGet, "/drafts/d1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view draftView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Version != 3 || view.State != "published" || view.Live || view.ArtifactID != "a1" {
		t.Fatalf("unexpected view: %+v", view)
	}

	if w := do(r, http.MethodGet, "/drafts/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetArtifact_Cached(t *testing.T) {
	repo := &fakeRepo{artifacts: map[string]store.Artifact{
		"a1": {ID: "a1", DraftID: "d1", Title: "t", Version: 2},
	}}
	r, _ := newRouter(t, repo)

	for i := 0; i < 3; i++ {
		w := do(r, http.MethodGet, "/artifacts/a1", "")
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"draftId":"d1"`) {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
	}
	if n := repo.artLoads.Load(); n != 1 {
		t.Fatalf("artifact loaded %d times, want 1", n)
	}
	if w := do(r, http.MethodGet, "/artifacts/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetPresence(t *testing.T) {
	r, presence := newRouter(t, &fakeRepo{})
	_ = presence.AddMember(context.Background(), "d1", cache.PresenceMember{SessionID: "s1", UserID: 1, Username: "alice"}, time.Minute)

	w := do(r, http.MethodGet, "/drafts/d1/presence", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"alice"`) {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}
