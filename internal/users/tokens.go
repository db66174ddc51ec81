package users

import (
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenExpiry is the lifetime of an issued bearer token.
const DefaultTokenExpiry = time.Hour

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the JWT payload carried by a bearer token.
type Claims struct {
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. A non-positive expiry uses DefaultTokenExpiry.
func NewTokenIssuer(secret []byte, expiry time.Duration) *TokenIssuer {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &TokenIssuer{secret: secret, expiry: expiry, now: time.Now}
}

// Issue creates a signed token for the user.
func (ti *TokenIssuer) Issue(u *models.User) (string, error) {
	if len(ti.secret) == 0 {
		return "", fmt.Errorf("token secret not set")
	}
	now := ti.now()
	claims := Claims{
		UserID:    u.ID,
		Username:  u.Username,
		SessionID: u.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Verify validates the token and returns its claims.
func (ti *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
