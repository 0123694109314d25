package webauthn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-webauthn/webauthn/webauthn"
)

// ErrSessionNotFound 仪式会话不存在或已过期
var ErrSessionNotFound = errors.New("WebAuthn会话不存在或已过期")

// SessionStore 仪式会话存储
//
// 会话在开始仪式时写入，完成仪式时一次性取出，
// 超过TTL后自动失效。
type SessionStore interface {
	Save(ctx context.Context, key string, session *webauthn.SessionData, ttl time.Duration) error
	Take(ctx context.Context, key string) (*webauthn.SessionData, error)
}

// storedSession 内存存储的条目
type storedSession struct {
	session   *webauthn.SessionData
	expiresAt time.Time
}

// MemorySessionStore 进程内会话存储（单实例部署与测试用）
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]storedSession
	now      func() time.Time
}

// NewMemorySessionStore 创建内存会话存储
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]storedSession),
		now:      time.Now,
	}
}

// WithClock 注入时钟（测试用）
func (s *MemorySessionStore) WithClock(now func() time.Time) *MemorySessionStore {
	s.now = now
	return s
}

func (s *MemorySessionStore) Save(_ context.Context, key string, session *webauthn.SessionData, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = storedSession{
		session:   session,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemorySessionStore) Take(_ context.Context, key string) (*webauthn.SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.sessions, key)

	if s.now().After(entry.expiresAt) {
		return nil, ErrSessionNotFound
	}
	return entry.session, nil
}

// Sweep 回收已过期的会话，返回回收数量
func (s *MemorySessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}

// RedisSessionStore 基于Redis的会话存储（多实例部署用）
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore 创建Redis会话存储
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "webauthn:session:",
	}
}

func (s *RedisSessionStore) Save(ctx context.Context, key string, session *webauthn.SessionData, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("序列化WebAuthn会话失败: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("写入WebAuthn会话失败: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Take(ctx context.Context, key string) (*webauthn.SessionData, error) {
	data, err := s.client.GetDel(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取WebAuthn会话失败: %w", err)
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("反序列化WebAuthn会话失败: %w", err)
	}
	return &session, nil
}
