package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"nhbescrow/crypto"
)

const tokenLeeway = 2 * time.Minute

var errAuthDisabled = errors.New("caller authentication not configured")

type authenticator struct {
	secret []byte
}

func newAuthenticator(secret string) *authenticator {
	return &authenticator{secret: []byte(strings.TrimSpace(secret))}
}

func (a *authenticator) enabled() bool { return a != nil && len(a.secret) > 0 }

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// authenticatedCaller returns the identity proven by the request's bearer
// token.
func (a *authenticator) authenticatedCaller(r *http.Request) ([20]byte, *RPCError) {
	var none [20]byte
	if !a.enabled() {
		return none, &RPCError{Code: codeUnauthorized, Message: "unauthenticated", Data: errAuthDisabled.Error()}
	}
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return none, &RPCError{Code: codeUnauthorized, Message: "unauthenticated", Data: "missing bearer token"}
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(tokenLeeway), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return none, &RPCError{Code: codeUnauthorized, Message: "unauthenticated", Data: "invalid token"}
	}
	caller, err := crypto.ParseIdentity(claims.Subject)
	if err != nil {
		return none, &RPCError{Code: codeUnauthorized, Message: "unauthenticated", Data: "token subject is not an identity"}
	}
	return caller, nil
}

// NewCallerToken mints an HS256 token asserting caller as the subject.
func NewCallerToken(secret string, caller [20]byte, ttl time.Duration) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   crypto.FormatIdentity(caller),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
