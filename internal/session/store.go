package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/presence-sync/internal/connection"
)

// DefaultKey is the Redis hash holding the persisted session record.
const DefaultKey = "presence-sync:session"

// Record is the durable session/profile stored in Redis.
type Record struct {
	UserID      string `redis:"user_id"`
	Token       string `redis:"token"`
	DisplayName string `redis:"display_name"`
	PhotoURL    string `redis:"photo_url"`
}

// Session returns the connection identity carried by the record.
func (r Record) Session() connection.Session {
	return connection.Session{UserID: r.UserID, Token: r.Token}
}

// Store manages the session record in Redis.
type Store struct {
	client *redis.Client
	key    string
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, DefaultKey), nil
}

// NewStoreWithClient wraps an existing client. An empty key means DefaultKey.
func NewStoreWithClient(client *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Save replaces the stored record. When the token carries an expiry the key
// expires with it.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.UserID == "" || rec.Token == "" {
		return errors.New("session: record requires user id and token")
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.HSet(ctx, s.key,
		"user_id", rec.UserID,
		"token", rec.Token,
		"display_name", rec.DisplayName,
		"photo_url", rec.PhotoURL,
	)
	if exp, ok, err := TokenExpiry(rec.Token); err == nil && ok {
		pipe.ExpireAt(ctx, s.key, exp)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Load returns the stored record, or nil if there is none.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, s.key).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if rec.UserID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Clear removes the stored record (sign-out).
func (s *Store) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// ShouldAutoConnect returns the stored record when one exists and its token
// has not expired at now.
func (s *Store) ShouldAutoConnect(ctx context.Context, now time.Time) (*Record, bool, error) {
	rec, err := s.Load(ctx)
	if err != nil || rec == nil {
		return nil, false, err
	}
	if Expired(rec.Token, now) {
		return rec, false, nil
	}
	return rec, true, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// TokenExpiry reads the exp claim without verifying the signature; the
// server verifies tokens, the client only needs to know whether trying is
// worthwhile. ok is false when the token has no exp claim.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: parse token: %w", err)
	}
	claims, _ := parsed.Claims.(*jwt.RegisteredClaims)
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// Expired reports whether token is past its exp claim at now. Tokens that
// are not JWTs or carry no exp are left for the server to judge.
func Expired(token string, now time.Time) bool {
	exp, ok, err := TokenExpiry(token)
	if err != nil || !ok {
		return false
	}
	return !now.Before(exp)
}
