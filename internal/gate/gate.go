// Package gate verifies that a caller holds admin privilege before any
// aggregation work runs. Unauthenticated and unprivileged callers are
// distinguished so the presentation layer can prompt for credentials in
// one case and hard-deny in the other; both stop the request before the
// ledger is touched.
package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-meter/internal/identity"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrTokenNotFound   = errors.New("access token not found")
)

// Caller is the resolved principal behind an access token.
type Caller struct {
	TokenID string        `json:"token_id"`
	UserID  string        `json:"user_id"`
	Name    string        `json:"name"`
	Role    identity.Role `json:"role"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (c *Caller) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (c *Caller) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

type AccessToken struct {
	ID        string
	UserID    string
	TokenHash string
	Active    bool
	CreatedAt time.Time
}

type Store interface {
	GetCallerByToken(ctx context.Context, token string) (*Caller, error)
	Create(ctx context.Context, tok *AccessToken) error
	Revoke(ctx context.Context, tokenID string) error
}

type Gate struct {
	store Store
	cache *redis.Client
}

func New(store Store, cache *redis.Client) *Gate {
	return &Gate{store: store, cache: cache}
}

// Authenticate resolves the caller behind token without any role check.
// Unknown or revoked tokens return ErrUnauthenticated.
func (g *Gate) Authenticate(ctx context.Context, token string) (*Caller, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	h := sha256.New()
	h.Write([]byte(token))
	redisKey := fmt.Sprintf("gate:%s", hex.EncodeToString(h.Sum(nil)))

	var caller Caller
	err := g.cache.Get(ctx, redisKey).Scan(&caller)
	if err == nil {
		return &caller, nil
	} else if err != redis.Nil {
		log.Printf("gate: redis error: %v", err)
	}

	resolved, err := g.store.GetCallerByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to resolve caller: %w", err)
	}

	_ = g.cache.Set(ctx, redisKey, resolved, 5*time.Minute).Err()
	return resolved, nil
}

// Authorize authenticates token and requires the admin role.
func (g *Gate) Authorize(ctx context.Context, token string) (*Caller, error) {
	caller, err := g.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if caller.Role != identity.RoleAdmin {
		return nil, fmt.Errorf("%w: user %s has role %s", ErrForbidden, caller.UserID, caller.Role)
	}
	return caller, nil
}

type contextKey string

const (
	callerKey    contextKey = "caller"
	requestIDKey contextKey = "request_id"
)

// Middleware enforces admin authorization on a route group and stashes
// the resolved caller in the request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := uuid.New().String()
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		caller, err := g.Authorize(ctx, token)
		if err != nil {
			switch {
			case errors.Is(err, ErrUnauthenticated):
				writeError(w, http.StatusUnauthorized, "invalid access token")
			case errors.Is(err, ErrForbidden):
				writeError(w, http.StatusForbidden, "admin privilege required")
			default:
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
	})
}

// AuthenticateMiddleware enforces authentication only, for endpoints any
// token holder may call (e.g. usage ingestion by the serving pipeline).
func (g *Gate) AuthenticateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := uuid.New().String()
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		caller, err := g.Authenticate(ctx, token)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "invalid access token")
			} else {
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Helpers to extract from context
func GetCaller(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerKey).(*Caller); ok {
		return c
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}
