package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/portfolio-assistant-go/internal/config"
	"github.com/portfolio-assistant-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Service defines answer cache operations
type Service interface {
	Get(ctx context.Context, query string) (string, bool)
	Set(ctx context.Context, query, answer string) error
	Clear(ctx context.Context) error
}

// Cache keeps remote answers keyed by the normalized query
type Cache struct {
	enabled bool
	cache   *cache.Cache
	logger  *logrus.Logger
	maxSize int
}

// NewCache creates a new cache service
func NewCache(cfg *config.CacheConfig, logger *logrus.Logger) Service {
	if !cfg.Enabled {
		return &Cache{enabled: false}
	}

	return &Cache{
		enabled: true,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
		maxSize: cfg.MaxSize,
	}
}

// Get retrieves a cached answer
func (c *Cache) Get(ctx context.Context, query string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	if val, found := c.cache.Get(generateKey(query)); found {
		entry := val.(*models.CacheEntry)
		c.logger.WithFields(logrus.Fields{
			"query": query,
			"age":   time.Since(entry.CreatedAt),
		}).Debug("Cache hit")
		return entry.Answer, true
	}

	return "", false
}

// Set stores an answer in cache
func (c *Cache) Set(ctx context.Context, query, answer string) error {
	if !c.enabled {
		return nil
	}

	if c.maxSize > 0 && c.cache.ItemCount() >= c.maxSize {
		c.logger.Warn("Cache size limit reached, clearing old entries")
		c.cache.DeleteExpired()
		if c.cache.ItemCount() >= c.maxSize {
			c.cache.Flush()
		}
	}

	entry := &models.CacheEntry{
		Query:     query,
		Answer:    answer,
		CreatedAt: time.Now(),
	}

	c.cache.SetDefault(generateKey(query), entry)
	c.logger.WithField("query", query).Debug("Answer cached")

	return nil
}

// Clear removes all cached entries
func (c *Cache) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	c.cache.Flush()
	c.logger.Info("Cache cleared")
	return nil
}

// Normalize lower-cases the query and collapses whitespace so trivially different
// phrasings share an entry.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func generateKey(query string) string {
	hash := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(hash[:])
}
