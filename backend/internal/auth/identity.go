package auth

import (
	"context"
	"time"
)

const (
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Identity 是身份提供方给出的调用者信息
type Identity struct {
	UserID    uint64    `json:"userId"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired 报告令牌在 now 时刻是否已过期（零值表示不过期）
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Verifier 校验令牌并返回身份
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

func normalizeRole(role string) string {
	if role == RoleViewer {
		return RoleViewer
	}
	return RoleEditor
}
