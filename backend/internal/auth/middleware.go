package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrUpstream 表示鉴权服务不可用，区别于令牌本身无效
var ErrUpstream = errors.New("auth upstream error")

const (
	CtxUserID   = "userId"
	CtxUsername = "username"
	CtxRole     = "role"
	CtxIdentity = "identity"
	CtxToken    = "token"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID    uint64 `json:"userId"`
	Username  string `json:"username"`
	Type      string `json:"type"` // "access"
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

// RemoteVerifier 调用独立鉴权服务的 /v1/auth/verify
type RemoteVerifier struct {
	client    *http.Client
	verifyURL string
	timeout   time.Duration
}

// authBaseURL 不要带路径，例如 http://localhost:3001
func NewRemoteVerifier(authBaseURL string, timeout time.Duration) *RemoteVerifier {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &RemoteVerifier{
		client:    &http.Client{},
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
		timeout:   timeout,
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: build verify request: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		return Identity{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = "invalid token"
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, msg)
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("%w: verify status %d", ErrUpstream, resp.StatusCode)
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: invalid verify response", ErrUpstream)
	}
	if claims.Type != "" && claims.Type != TokenTypeAccess {
		return Identity{}, fmt.Errorf("%w: access token required", ErrInvalidToken)
	}
	id := Identity{UserID: claims.UserID, Username: claims.Username, Role: normalizeRole(claims.Role)}
	if claims.ExpiresAt > 0 {
		id.ExpiresAt = time.Unix(claims.ExpiresAt, 0)
	}
	return id, nil
}

// Middleware 从 Authorization 或 ?token= 提取令牌并写入 userId/username/role
func Middleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		id, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUpstream) {
				log.Printf("auth verify failed: %v", err)
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"code":    "AUTH_UPSTREAM_ERROR",
					"message": "auth-service verify failed",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		c.Set(CtxUserID, id.UserID)
		c.Set(CtxUsername, id.Username)
		c.Set(CtxRole, id.Role)
		c.Set(CtxIdentity, id)
		c.Set(CtxToken, token)
		c.Next()
	}
}

// IdentityFrom 取出中间件写入的身份
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(CtxIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// TokenFromRequest 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
func TokenFromRequest(r *http.Request) string {
	if t := extractBearer(r.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
