// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
	"github.com/google/uuid"
)

// Cookie, header and fallback values that identify a device and a browser tab.
const (
	AnonCookieName        = "change_assist_anon_id"
	SessionHeaderName     = "X-Assist-Session-ID"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
	lastSeenResolution    = time.Minute
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	sessionIDKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserStore is the part of the repository identity needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithIdentity returns a context carrying the given identity. Used by tests
// and by callers that establish identity outside HTTP.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, usernameKey, deriveUsername(userID))
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

func generateAnonID() string {
	return "anon_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// ensureUser creates the user on first sight and otherwise bumps last_seen_at,
// at most once per minute.
func ensureUser(ctx context.Context, repo UserStore, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	if user != nil {
		if user.IdleFor(now) >= lastSeenResolution {
			if err := repo.UpdateLastSeen(ctx, userID, now); err != nil {
				slog.Warn("Failed to update last seen", "user_id", userID, "error", err)
			}
		}
		return nil
	}

	return repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   deriveUsername(userID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	var id string
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else {
		id = generateAnonID()
	}
	// Refreshing on every request keeps active devices from expiring.
	setAnonCookie(w, id, isDev)
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects anonymous per-device identity and per-request session ID.
func Middleware(repo UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := getOrCreateAnonID(w, r, isDev)

			if err := ensureUser(r.Context(), repo, userID); err != nil {
				slog.Error("Failed to initialize anonymous user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithIdentity(r.Context(), userID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
