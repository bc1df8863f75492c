// Package auth validates the bearer credential presented on the websocket
// upgrade and yields the caller's identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means no credential was presented at all.
	ErrMissingToken = errors.New("missing authorization token")
	// ErrInvalidToken covers bad signatures, expiry, and malformed claims.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator validates a connection attempt before registration.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// JWT validates HS256 tokens carrying user_id and username claims. The token
// comes from the Authorization header, or from the token query parameter for
// browser websocket clients that cannot set headers.
type JWT struct {
	secret []byte
}

// NewJWT creates an authenticator with the given shared secret.
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

// Authenticate implements Authenticator.
func (a *JWT) Authenticate(r *http.Request) (Identity, error) {
	tokenString := extractToken(r)
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	username, _ := claims["username"].(string)
	return Identity{UserID: userID, Username: username}, nil
}

func extractToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
