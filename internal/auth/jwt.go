// Package auth は資格情報（HS256署名のJWT）の検証と発行を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/crispcolon/internal/model"
)

// Verifier は資格情報を検証し、呼び出し元のIdentityを返す。
// 資格情報が空の場合はmodel.ErrUnauthenticated、
// 不正・期限切れの場合はmodel.ErrInvalidCredentialをラップして返す。
type Verifier interface {
	Verify(ctx context.Context, token string) (*model.Identity, error)
}

// Claims は標準クレームに加えてユーザーIDを保持する。
// 既存クライアントが発行済みのトークンと互換にするため、キーは"id"とする。
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
}

// JWTVerifier はHS256で署名されたJWTを検証する。
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption はJWTVerifierの設定を変更する。
type VerifierOption func(*JWTVerifier)

// WithLeeway は有効期限判定の許容誤差を設定する。
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) { v.leeway = d }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) { v.now = now }
}

// NewJWTVerifier はJWTVerifierを生成する。secretは空であってはならない。
func NewJWTVerifier(secret []byte, opts ...VerifierOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	v := &JWTVerifier{
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify はトークンを検証し、Identityを返す。
func (v *JWTVerifier) Verify(_ context.Context, token string) (*model.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.ErrUnauthenticated
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return nil, model.ErrInvalidCredential
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user id", model.ErrInvalidCredential)
	}

	identity := &model.Identity{UserID: claims.UserID}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// IssueToken はユーザーIDを含むHS256トークンを発行する。
// ttlが0以下の場合は有効期限を付けない。
func IssueToken(userID string, secret []byte, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is empty")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserID: userID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

var _ Verifier = (*JWTVerifier)(nil)
