package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSecretMissing 未配置签名密钥
var ErrSecretMissing = errors.New("jwt secret is not configured")

// CallerClaims 调用方令牌声明
type CallerClaims struct {
	Caller string `json:"caller"`
	jwt.RegisteredClaims
}

// IssueToken 签发调用方令牌
func IssueToken(secret, caller string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, ErrSecretMissing
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return "", time.Time{}, errors.New("caller is required")
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := CallerClaims{
		Caller: caller,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ParseToken 校验并解析调用方令牌，仅接受 HS256。
func ParseToken(secret, tokenString string) (*CallerClaims, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &CallerClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || strings.TrimSpace(claims.Caller) == "" {
		return nil, errors.New("无效的 token")
	}
	return claims, nil
}
