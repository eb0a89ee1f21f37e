package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionHeader carries the session id for API clients that do not send cookies.
const SessionHeader = "X-Session-ID"

// SessionStore resolves Redis-backed sessions issued by the authentication
// service into user ids.
type SessionStore struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
}

type sessionPayload struct {
	Values map[string]string `json:"values"`
	UserID string            `json:"user_id"`
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(client *redis.Client, cookieName string, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, cookieName: cookieName, ttl: ttl}
}

// UserID returns the user bound to the request session. ok is false when the
// request carries no live session.
func (s *SessionStore) UserID(ctx context.Context, r *http.Request) (int64, bool, error) {
	id := s.sessionID(r)
	if id == "" {
		return 0, false, nil
	}
	payload, err := s.client.Get(ctx, s.redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("shared: load session: %w", err)
	}
	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return 0, false, fmt.Errorf("shared: decode session: %w", err)
	}
	raw := strings.TrimSpace(stored.UserID)
	if raw == "" {
		return 0, false, nil
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, s.redisKey(id), s.ttl).Err()
	}
	return userID, true, nil
}

// Issue stores a session for userID and returns its id. Used by seed tooling
// and tests; production sessions are issued by the authentication service.
func (s *SessionStore) Issue(ctx context.Context, userID int64) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(sessionPayload{Values: map[string]string{}, UserID: strconv.FormatInt(userID, 10)})
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.redisKey(id), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("shared: store session: %w", err)
	}
	return id, nil
}

// CookieName returns the cookie identifier used for sessions.
func (s *SessionStore) CookieName() string {
	return s.cookieName
}

func (s *SessionStore) sessionID(r *http.Request) string {
	if cookie, err := r.Cookie(s.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return strings.TrimSpace(r.Header.Get(SessionHeader))
}

func (s *SessionStore) redisKey(id string) string {
	return "session:" + id
}
