package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// Store persists credentials. A nil or empty hash marks a token-only account.
type Store interface {
	Lookup(ctx context.Context, username string) ([]byte, error)
	Create(ctx context.Context, username string, hash []byte) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	users map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string][]byte)}
}

func (s *MemoryStore) Lookup(_ context.Context, username string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return hash, nil
}

func (s *MemoryStore) Create(_ context.Context, username string, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = hash
	return nil
}

const defaultRedisPrefix = "stompd:user:"

// RedisStore keeps one string key per user holding the bcrypt hash, so
// several broker processes can share accounts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

func (s *RedisStore) Lookup(ctx context.Context, username string) ([]byte, error) {
	hash, err := s.client.Get(ctx, s.prefix+username).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis lookup for %q: %w", username, err)
	}
	return hash, nil
}

func (s *RedisStore) Create(ctx context.Context, username string, hash []byte) error {
	created, err := s.client.SetNX(ctx, s.prefix+username, hash, 0).Result()
	if err != nil {
		return fmt.Errorf("redis create for %q: %w", username, err)
	}
	if !created {
		return ErrUserExists
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
