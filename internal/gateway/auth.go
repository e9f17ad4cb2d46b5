package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized is returned for a missing, malformed, expired or
	// wrongly signed token.
	ErrUnauthorized = errors.New("gateway: unauthorized")

	// ErrInvalidUser is returned when a valid token names an unknown user.
	ErrInvalidUser = errors.New("gateway: invalid user")
)

// Authenticator turns a bearer token into a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// UserDirectory confirms a user id still exists.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Claims is the token body issued by the account service.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// JWTAuth validates HS256 tokens carrying a userId claim.
type JWTAuth struct {
	secret []byte
	users  UserDirectory
	now    func() time.Time
}

// NewJWTAuth returns an authenticator for secret. users may be nil, in
// which case the user lookup is skipped.
func NewJWTAuth(secret string, users UserDirectory) (*JWTAuth, error) {
	if secret == "" {
		return nil, errors.New("gateway: JWT secret must be set")
	}
	return &JWTAuth{secret: []byte(secret), users: users, now: time.Now}, nil
}

func (a *JWTAuth) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: token has no userId", ErrUnauthorized)
	}

	if a.users != nil {
		ok, err := a.users.UserExists(ctx, claims.UserID)
		if err != nil {
			return "", fmt.Errorf("gateway: user lookup %s: %w", claims.UserID, err)
		}
		if !ok {
			return "", ErrInvalidUser
		}
	}
	return claims.UserID, nil
}

// IssueToken signs a token for userID valid for ttl.
func (a *JWTAuth) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type userKey struct{}

// UserFromContext returns the user id put there by Middleware.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok
}

// Middleware requires "Authorization: Bearer <token>" on every request.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				writeAuthError(w, "Access token required")
				return
			}
			userID, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				writeAuthError(w, "Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
