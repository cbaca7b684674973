package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bryan-buckman/prismfeeder/internal/apperr"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator verifies HS256 bearer tokens. The subject claim is the user
// ID. Tokens are issued elsewhere; GenerateToken exists for tooling and
// tests.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. An empty issuer accepts any
// issuer.
func NewAuthenticator(secret []byte, issuer string) *Authenticator {
	return &Authenticator{secret: secret, issuer: issuer}
}

// GenerateToken signs a token for userID valid for ttl.
func (a *Authenticator) GenerateToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}

// UserID verifies tokenString and returns its subject.
func (a *Authenticator) UserID(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// bearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on WebSocket handshakes, so access_token in the query
// is accepted as well.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.fail(w, r, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
			return
		}
		userID, err := s.auth.UserID(token)
		if err != nil {
			s.log.Debug(r.Context(), "token rejected", "error", err)
			s.fail(w, r, apperr.New(apperr.CodeUnauthorized, "invalid or expired token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// userID returns the authenticated user of the request.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
