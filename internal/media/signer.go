// Package media renders chart images under the media root and serves
// them through short-lived signed URLs, so chart links can be handed to
// external messengers without exposing the store.
package media

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultURLTTL is how long a signed media URL stays valid.
const DefaultURLTTL = 24 * time.Hour

// Signer issues and checks HS256 tokens binding a URL to one media ID.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a signer. A zero ttl uses the default.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl}
}

type mediaClaims struct {
	MediaID string `json:"media_id"`
	jwt.RegisteredClaims
}

// Sign returns a token granting access to one media ID.
func (s *Signer) Sign(mediaID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mediaClaims{
		MediaID: mediaID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// Verify checks a token and returns the media ID it grants.
func (s *Signer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &mediaClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*mediaClaims)
	if !ok || claims.MediaID == "" {
		return "", fmt.Errorf("token carries no media id")
	}
	return claims.MediaID, nil
}
