package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const testKey = "presence-sync:test_session"

// newTestStore creates a Store on a local Redis instance using a test key.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.Del(ctx, testKey)
	t.Cleanup(func() {
		client.Del(ctx, testKey)
		client.Close()
	})
	return NewStoreWithClient(client, testKey)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "u1"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Token expiry
// ---------------------------------------------------------------------------

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	got, ok, err := TokenExpiry(signedToken(t, exp))
	if err != nil || !ok {
		t.Fatalf("TokenExpiry() = %v, %v, %v", got, ok, err)
	}
	if !got.Equal(exp) {
		t.Errorf("expected %v, got %v", exp, got)
	}
}

func TestTokenExpiryWithoutExp(t *testing.T) {
	_, ok, err := TokenExpiry(signedToken(t, time.Time{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for token without exp")
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"future exp", signedToken(t, now.Add(time.Hour)), false},
		{"past exp", signedToken(t, now.Add(-time.Hour)), true},
		{"exactly now", signedToken(t, now), true},
		{"no exp", signedToken(t, time.Time{}), false},
		{"opaque token", "not-a-jwt", false},
	}
	for _, tt := range tests {
		if got := Expired(tt.token, now); got != tt.want {
			t.Errorf("%s: Expired() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Redis-backed store
// ---------------------------------------------------------------------------

func TestSaveLoadClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{UserID: "u1", Token: signedToken(t, time.Now().Add(time.Hour)), DisplayName: "Ann", PhotoURL: "https://cdn/a.jpg"}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got == nil || *got != rec {
		t.Fatalf("Load() = %+v, want %+v", got, rec)
	}
	if s := got.Session(); s.UserID != "u1" || s.Token != rec.Token {
		t.Errorf("unexpected session %+v", s)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	got, err = store.Load(ctx)
	if err != nil || got != nil {
		t.Errorf("expected no record after Clear, got %+v, %v", got, err)
	}
}

func TestSaveRejectsIncompleteRecord(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(context.Background(), Record{UserID: "u1"}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestShouldAutoConnect(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, ok, err := store.ShouldAutoConnect(ctx, now); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	store.Save(ctx, Record{UserID: "u1", Token: signedToken(t, now.Add(time.Hour))})
	rec, ok, err := store.ShouldAutoConnect(ctx, now)
	if err != nil || !ok || rec.UserID != "u1" {
		t.Fatalf("valid token: rec=%+v ok=%v err=%v", rec, ok, err)
	}

	if _, ok, _ := store.ShouldAutoConnect(ctx, now.Add(2*time.Hour)); ok {
		t.Error("expected no auto-connect once the token has expired")
	}
}
