// Package auth verifies bearer tokens issued by the external auth service.
// The tokens are opaque apart from the owner claim.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired or unsigned tokens
var ErrInvalidToken = errors.New("invalid token")

// ParseOwner validates an HS256 token and returns its owner id, taken from
// the "user_id" claim or, failing that, "id"
func ParseOwner(tokenString, secret string) (int64, error) {
	if tokenString == "" {
		return 0, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}

	for _, key := range []string{"user_id", "id"} {
		if id, ok := ownerClaim(claims[key]); ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no owner claim", ErrInvalidToken)
}

func ownerClaim(v interface{}) (int64, bool) {
	switch id := v.(type) {
	case float64:
		if id > 0 && id == float64(int64(id)) {
			return int64(id), true
		}
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		return "", false
	}
	return strings.TrimSpace(token), true
}
