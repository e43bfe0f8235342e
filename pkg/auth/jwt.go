// Package auth 访问令牌签发与校验
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 令牌无效（签名、格式、签发方或过期）
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidSecret 主密钥过短
	ErrInvalidSecret = errors.New("auth: secret must be at least 32 bytes")
)

// MinSecretLength 主密钥最小长度
const MinSecretLength = 32

// Claims 令牌载荷
type Claims struct {
	UserID  string `json:"user"`
	Version int    `json:"ver"` // 令牌版本，用户改密或登出全部设备后递增
	jwt.RegisteredClaims
}

// JWTManager 基于 Ed25519 的令牌管理器
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	issuer     string
	now        func() time.Time
}

// NewJWTManager 从主密钥派生签名密钥
func NewJWTManager(secret, issuer string) (*JWTManager, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrInvalidSecret
	}

	seed := sha256.Sum256([]byte(secret))
	privateKey := ed25519.NewKeyFromSeed(seed[:])

	return &JWTManager{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		issuer:     issuer,
		now:        time.Now,
	}, nil
}

// Issue 签发令牌，ttl <= 0 表示不过期
func (m *JWTManager) Issue(userID string, version int, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		UserID:  userID,
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(m.privateKey)
}

// Verify 校验令牌并返回载荷
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
