package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const userKey contextKey = "user"

// tokenTTL is the lifetime of an issued user token (7 days).
const tokenTTL = 7 * 24 * time.Hour

// maxTokenBody bounds how much of a request body is buffered when looking
// for a body token.
const maxTokenBody = 16 << 10

// Claims holds the JWT claims identifying a chat user.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Image  string `json:"image,omitempty"`
	jwt.RegisteredClaims
}

// User is the authenticated identity stored in the request context.
type User struct {
	ID    string
	Name  string
	Image string
}

// GenerateToken creates a signed HS256 token for userID.
func GenerateToken(secret []byte, userID, name, image string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	now := time.Now()
	expiresAt := now.Add(tokenTTL)

	claims := Claims{
		UserID: userID,
		Name:   name,
		Image:  image,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "callsignal",
			Subject:   userID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseToken validates tokenString and returns its claims.
func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// RequireAuth returns middleware that validates a bearer token and stores
// the caller's identity in the request context.
//
// When allowBodyToken is true and no Authorization header is present, the
// token is read from a "token" field of a JSON body instead. Page-unload
// beacons cannot set headers, so the end-call route accepts this form.
func RequireAuth(secret []byte, allowBodyToken bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if tokenString == "" && allowBodyToken {
				tokenString = bodyToken(r)
			}
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims, err := ParseToken(secret, tokenString)
			if err != nil {
				slog.Debug("auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			u := User{ID: claims.UserID, Name: claims.Name, Image: claims.Image}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

// QueryToken copies a "token" query parameter into the Authorization header
// when none is set. Browser websocket handshakes cannot carry headers.
func QueryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if tok := r.URL.Query().Get("token"); tok != "" {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken returns the token from the Authorization header, or "" when
// the header is absent.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid authorization header")
	}
	return parts[1], nil
}

// bodyToken peeks at a JSON body for a "token" field and restores the body
// for the next handler.
func bodyToken(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxTokenBody))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}

	var body struct {
		Token string `json:"token"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	return body.Token
}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey).(User)
	return u, ok
}

// envelope matches the api package's envelope format for error responses.
type envelope struct {
	Error string `json:"error,omitempty"`
}

// writeError writes a JSON error matching the API envelope format.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg}) //nolint:errcheck
}
