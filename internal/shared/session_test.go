package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionStore(client, "odyssey_session", time.Hour), mr
}

func TestSessionStoreResolvesCookieAndHeader(t *testing.T) {
	store, _ := newSessionStore(t)
	ctx := context.Background()
	id, err := store.Issue(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: store.CookieName(), Value: id})
	userID, ok, err := store.UserID(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), userID)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeader, " "+id+" ")
	userID, ok, err = store.UserID(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), userID)
}

func TestSessionStoreMissingSession(t *testing.T) {
	store, _ := newSessionStore(t)
	ctx := context.Background()

	_, ok, err := store.UserID(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.False(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeader, "expired")
	_, ok, err = store.UserID(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStorePayloadEdgeCases(t *testing.T) {
	store, mr := newSessionStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("session:garbage", "{not json"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeader, "garbage")
	_, _, err := store.UserID(ctx, req)
	require.Error(t, err)

	require.NoError(t, mr.Set("session:anon", `{"values":{},"user_id":""}`))
	req.Header.Set(SessionHeader, "anon")
	_, ok, err := store.UserID(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mr.Set("session:bad", `{"values":{},"user_id":"abc"}`))
	req.Header.Set(SessionHeader, "bad")
	_, ok, err = store.UserID(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStoreSlidesExpiry(t *testing.T) {
	store, mr := newSessionStore(t)
	ctx := context.Background()
	id, err := store.Issue(ctx, 7)
	require.NoError(t, err)

	mr.FastForward(50 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeader, id)
	_, ok, err := store.UserID(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("session:"+id))

	mr.FastForward(2 * time.Hour)
	_, ok, err = store.UserID(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStoreRedisDown(t *testing.T) {
	store, mr := newSessionStore(t)
	mr.Close()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeader, "any")
	_, _, err := store.UserID(context.Background(), req)
	require.Error(t, err)
}
