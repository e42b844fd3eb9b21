package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/portfolio-assistant-go/internal/config"
	"github.com/portfolio-assistant-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Storage keeps the ordered chat history of each session
type Storage interface {
	Append(ctx context.Context, sessionID string, msgs ...models.ConversationMessage) error
	History(ctx context.Context, sessionID string) ([]models.ConversationMessage, error)
	Clear(ctx context.Context, sessionID string) error

	// CleanupExpired drops sessions idle for longer than ttl on backends without native expiry
	CleanupExpired(ctx context.Context, ttl time.Duration) error
	Close() error
}

// Manager manages different storage backends
type Manager struct {
	storage    Storage
	logger     *logrus.Logger
	sessionTTL time.Duration
	metrics    Recorder
}

// Recorder receives storage operation timings. middleware.Metrics implements it.
type Recorder interface {
	RecordStorageOperation(operation, status string, duration time.Duration)
}

// NewManager creates a new storage manager
func NewManager(cfg *config.StorageConfig, logger *logrus.Logger) (*Manager, error) {
	var storage Storage

	switch cfg.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "bolt":
		boltStorage, err := NewBoltStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = boltStorage
	case "memory":
		storage = NewMemoryStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	logger.WithField("type", cfg.Type).Info("History storage initialized")

	return &Manager{
		storage:    storage,
		logger:     logger,
		sessionTTL: cfg.SessionTTL,
	}, nil
}

// NewManagerWith wraps an existing backend
func NewManagerWith(storage Storage, sessionTTL time.Duration, logger *logrus.Logger) *Manager {
	return &Manager{storage: storage, logger: logger, sessionTTL: sessionTTL}
}

// SetRecorder attaches storage metrics
func (m *Manager) SetRecorder(r Recorder) {
	m.metrics = r
}

// StartCleanup runs periodic expiry until ctx is done
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.sessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := m.storage.CleanupExpired(cleanupCtx, m.sessionTTL); err != nil {
				m.logger.WithError(err).Error("Failed to cleanup expired sessions")
			}
			cancel()
		}
	}
}

func (m *Manager) observe(operation string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordStorageOperation(operation, status, time.Since(start))
}

// Delegate methods to underlying storage
func (m *Manager) Append(ctx context.Context, sessionID string, msgs ...models.ConversationMessage) error {
	start := time.Now()
	err := m.storage.Append(ctx, sessionID, msgs...)
	m.observe("append", start, err)
	return err
}

func (m *Manager) History(ctx context.Context, sessionID string) ([]models.ConversationMessage, error) {
	start := time.Now()
	msgs, err := m.storage.History(ctx, sessionID)
	m.observe("history", start, err)
	return msgs, err
}

func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	start := time.Now()
	err := m.storage.Clear(ctx, sessionID)
	m.observe("clear", start, err)
	return err
}

func (m *Manager) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	return m.storage.CleanupExpired(ctx, ttl)
}

func (m *Manager) Close() error {
	return m.storage.Close()
}

// trimHistory keeps the newest max messages
func trimHistory(msgs []models.ConversationMessage, max int) []models.ConversationMessage {
	if max > 0 && len(msgs) > max {
		return msgs[len(msgs)-max:]
	}
	return msgs
}

func historyKey(sessionID string) string {
	return fmt.Sprintf("history:%s", sessionID)
}

// RedisStorage implements storage using Redis lists
type RedisStorage struct {
	client      *redis.Client
	logger      *logrus.Logger
	maxMessages int
	ttl         time.Duration
}

func NewRedisStorage(cfg *config.StorageConfig, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg, logger), nil
}

// NewRedisStorageWithClient uses an already connected client
func NewRedisStorageWithClient(client *redis.Client, cfg *config.StorageConfig, logger *logrus.Logger) *RedisStorage {
	return &RedisStorage{
		client:      client,
		logger:      logger,
		maxMessages: cfg.MaxMessages,
		ttl:         cfg.SessionTTL,
	}
}

func (r *RedisStorage) Append(ctx context.Context, sessionID string, msgs ...models.ConversationMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	key := historyKey(sessionID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if r.maxMessages > 0 {
			pipe.LTrim(ctx, key, int64(-r.maxMessages), -1)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

func (r *RedisStorage) History(ctx context.Context, sessionID string) ([]models.ConversationMessage, error) {
	items, err := r.client.LRange(ctx, historyKey(sessionID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]models.ConversationMessage, 0, len(items))
	for _, item := range items {
		var msg models.ConversationMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			r.logger.WithError(err).WithField("session_id", sessionID).Warn("Skipping corrupt history entry")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *RedisStorage) Clear(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, historyKey(sessionID)).Err()
}

func (r *RedisStorage) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	// Redis handles expiration automatically
	return nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// MemoryStorage implements storage using in-memory cache
type MemoryStorage struct {
	mu          sync.Mutex
	sessions    *cache.Cache
	maxMessages int
	logger      *logrus.Logger
}

func NewMemoryStorage(cfg *config.StorageConfig, logger *logrus.Logger) *MemoryStorage {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	cleanup := 10 * time.Minute
	if ttl > 0 && ttl < cleanup {
		cleanup = ttl
	}
	return &MemoryStorage{
		sessions:    cache.New(ttl, cleanup),
		maxMessages: cfg.MaxMessages,
		logger:      logger,
	}
}

func (m *MemoryStorage) Append(ctx context.Context, sessionID string, msgs ...models.ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var history []models.ConversationMessage
	if val, found := m.sessions.Get(historyKey(sessionID)); found {
		history = val.([]models.ConversationMessage)
	}

	next := make([]models.ConversationMessage, 0, len(history)+len(msgs))
	next = append(next, history...)
	next = append(next, msgs...)

	m.sessions.SetDefault(historyKey(sessionID), trimHistory(next, m.maxMessages))
	return nil
}

func (m *MemoryStorage) History(ctx context.Context, sessionID string) ([]models.ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if val, found := m.sessions.Get(historyKey(sessionID)); found {
		history := val.([]models.ConversationMessage)
		out := make([]models.ConversationMessage, len(history))
		copy(out, history)
		return out, nil
	}
	return nil, nil
}

func (m *MemoryStorage) Clear(ctx context.Context, sessionID string) error {
	m.sessions.Delete(historyKey(sessionID))
	return nil
}

func (m *MemoryStorage) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	// go-cache handles cleanup automatically
	return nil
}

func (m *MemoryStorage) Close() error {
	m.sessions.Flush()
	return nil
}
