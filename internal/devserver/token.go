package devserver

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/putto11262002/chatcampus/core"
)

const (
	accessType  = "access"
	refreshType = "refresh"

	issuer = "chatcampus"
)

var (
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenInvalid     = errors.New("token invalid")
	ErrTokenBlacklisted = errors.New("token blacklisted")
)

type Claims struct {
	UserID    int    `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// tokenIssuer signs access and refresh tokens with a shared HMAC secret.
// Refresh tokens are single-use after logout: their jti is blacklisted until
// the token would have expired anyway.
type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blacklist  *core.SyncMap[string, time.Time]
	now        func() time.Time
}

func newTokenIssuer(secret []byte, accessTTL, refreshTTL time.Duration) *tokenIssuer {
	return &tokenIssuer{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blacklist:  core.NewSyncMap[string, time.Time](),
		now:        time.Now,
	}
}

func (t *tokenIssuer) sign(userID int, typ string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := &Claims{
		UserID:    userID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *tokenIssuer) pair(userID int) (access, refresh string, err error) {
	if access, err = t.sign(userID, accessType, t.accessTTL); err != nil {
		return "", "", err
	}
	if refresh, err = t.sign(userID, refreshType, t.refreshTTL); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (t *tokenIssuer) access(userID int) (string, error) {
	return t.sign(userID, accessType, t.accessTTL)
}

// verify parses token and checks that it is of the wanted type and not
// blacklisted.
func (t *tokenIssuer) verify(token, typ string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithTimeFunc(t.now))

	switch {
	case err == nil && parsed.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrTokenInvalid
	}

	if claims.TokenType != typ {
		return nil, ErrTokenInvalid
	}
	if _, ok := t.blacklist.Load(claims.ID); ok {
		return nil, ErrTokenBlacklisted
	}
	return claims, nil
}

// revoke blacklists a refresh token and drops entries that have expired.
func (t *tokenIssuer) revoke(token string) error {
	claims, err := t.verify(token, refreshType)
	if err != nil {
		return err
	}
	now := t.now()
	t.blacklist.DeleteFunc(func(_ string, exp time.Time) bool { return exp.Before(now) })
	t.blacklist.Store(claims.ID, claims.ExpiresAt.Time)
	return nil
}
