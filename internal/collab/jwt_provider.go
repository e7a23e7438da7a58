package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider mints room credentials locally for a self-hosted collaboration
// server that trusts tokens signed with a shared HS256 key.
type JWTProvider struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type RoomClaims struct {
	UserInfo    UserInfo            `json:"userInfo"`
	Permissions map[string][]string `json:"perms"`
	jwt.RegisteredClaims
}

func NewJWTProvider(secret string, ttl time.Duration) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt provider: secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTProvider{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (p *JWTProvider) Authorize(_ context.Context, grant Grant) (Credential, error) {
	now := p.now()
	claims := RoomClaims{
		UserInfo:    grant.UserInfo,
		Permissions: map[string][]string{grant.RoomID: FullAccess},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Credential{}, fmt.Errorf("sign room token: %w", err)
	}
	body, err := json.Marshal(map[string]string{"token": signed})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal room token: %w", err)
	}
	return Credential{Status: http.StatusOK, Body: body}, nil
}

// DeleteRoom is a no-op: self-hosted rooms exist only while tokens reference them.
func (p *JWTProvider) DeleteRoom(context.Context, string) error {
	return nil
}

// Parse validates a token minted by Authorize.
func (p *JWTProvider) Parse(token string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
