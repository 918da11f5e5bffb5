package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// JWT resolves the caller's identity from an HS256 token carried in the Authorization header or in the
// auth_token cookie.
type JWT struct {
	secret []byte
	ttl    time.Duration
}

type jwtClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// AuthCookie is the cookie the browser UI carries its token in.
const AuthCookie = "auth_token"

// NewJWT creates a JWT with the given signing secret. Generated tokens expire after ttl; a zero ttl
// produces tokens without expiry.
func NewJWT(secret string, ttl time.Duration) (JWT, error) {
	if secret == "" {
		return JWT{}, errors.New("jwt secret is empty")
	}
	return JWT{secret: []byte(secret), ttl: ttl}, nil
}

// GenerateToken issues a signed token for userID.
func (j JWT) GenerateToken(userID string) (string, error) {
	ts := time.Now()
	claims := jwtClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(ts),
			NotBefore: jwt.NewNumericDate(ts),
			Subject:   userID,
		},
	}
	if j.ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(ts.Add(j.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Identify returns the user id of the request's caller, or models.ErrUnauthorized when the request
// carries no valid token.
func (j JWT) Identify(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", fmt.Errorf("missing token: %w", models.ErrUnauthorized)
	}

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrUnauthorized, err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", fmt.Errorf("invalid token: %w", models.ErrUnauthorized)
	}
	return claims.UserID, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(AuthCookie); err == nil {
		return c.Value
	}
	return ""
}
