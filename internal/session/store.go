package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is a dashboard session stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Token      string `redis:"token"`
	Name       string `redis:"name"`
	Company    string `redis:"company"`
	Role       string `redis:"role"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Identity returns the identity carried by the session.
func (s *Session) Identity() Identity {
	return Identity{
		UserID:  s.UserID,
		Token:   s.Token,
		Name:    s.Name,
		Company: s.Company,
		Role:    s.Role,
	}
}

// Store manages session state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// Create stores a new session for the given identity with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string, id Identity) error {
	if id.UserID == "" {
		return fmt.Errorf("session: create %s: %w", sessionID, ErrNoIdentity)
	}
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          sessionID,
		"user_id":     id.UserID,
		"token":       id.Token,
		"name":        id.Name,
		"company":     id.Company,
		"role":        id.Role,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch records activity and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

// Source returns a Source that reads the session's identity from Redis on
// every call, so a token rotated by the login flow is picked up without
// rebuilding the client.
func (s *Store) Source(sessionID string) Source {
	return SourceFunc(func(ctx context.Context) (Identity, error) {
		sess, err := s.Get(ctx, sessionID)
		if err != nil {
			return Identity{}, fmt.Errorf("session: load %s: %w", sessionID, err)
		}
		if sess == nil || sess.UserID == "" {
			return Identity{}, ErrNoIdentity
		}
		return sess.Identity(), nil
	})
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
