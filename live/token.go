package live

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/interviewpilot/devicesync/internal"
)

// TokenVerifier authenticates the bearer token presented on the websocket
// handshake, returning the stable user ID it asserts.
type TokenVerifier interface {
	VerifyToken(token string) (userID string, err error)
}

// JWTVerifier verifies HMAC-signed JWTs issued by the main application server.
// The user ID is carried in the standard "sub" claim, with "id" as a fallback
// for tokens minted by older releases.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", internal.NewUnauthorizedError(fmt.Errorf("invalid token: %w", err))
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", internal.NewUnauthorizedError(fmt.Errorf("token has no claims"))
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	if id, ok := claims["id"].(string); ok && id != "" {
		return id, nil
	}
	return "", internal.NewUnauthorizedError(fmt.Errorf("token has no subject"))
}
