package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	// editor / viewer，缺省为 editor
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier 本地校验 HS256 签名的访问令牌
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	if secret == "" {
		secret = "dev-secret"
	}
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) SignAccessToken(userID uint64, username, role string, ttl time.Duration) (string, time.Time, error) {
	expireAt := v.now().Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     TokenTypeAccess,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(v.now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expireAt, nil
}

// ParseToken 解析任意 token（访问/刷新），返回 Claims
func (v *JWTVerifier) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	claims, err := v.ParseToken(token)
	if err != nil {
		return Identity{}, err
	}
	if claims.Type != "" && claims.Type != TokenTypeAccess {
		return Identity{}, fmt.Errorf("%w: access token required", ErrInvalidToken)
	}
	id := Identity{UserID: claims.UserID, Username: claims.Username, Role: normalizeRole(claims.Role)}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
