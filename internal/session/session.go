package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

const tokenTypeAccess = "access"

// Claims 访问令牌声明，Subject 为用户 ID
type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Verifier HS256 访问令牌的签发与校验
type Verifier struct {
	secretKey []byte
	issuer    string
}

// NewVerifier 创建校验器，issuer 为空时不校验签发方
func NewVerifier(secretKey, issuer string) *Verifier {
	return &Verifier{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// Issue 为 userID 签发访问令牌
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrTokenInvalid
	}
	now := time.Now()
	claims := &Claims{
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Caller 校验令牌并返回调用者 ID
// 令牌缺失、无效或过期时返回 NotAuthenticated，底层原因通过 errors.Is 可见
func (v *Verifier) Caller(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return "", apperr.ErrNotAuthenticated
	}
	claims, err := v.validate(tokenString)
	if err != nil {
		return "", apperr.ErrNotAuthenticated.Wrap(err)
	}
	return claims.Subject, nil
}

func (v *Verifier) validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != tokenTypeAccess || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
