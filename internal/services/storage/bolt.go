package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/portfolio-assistant-go/internal/config"
	"github.com/portfolio-assistant-go/internal/models"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var conversationsBucket = []byte("conversations")

// BoltStorage keeps each session's history as one JSON array in a bbolt file.
type BoltStorage struct {
	db          *bolt.DB
	maxMessages int
	logger      *logrus.Logger
}

func NewBoltStorage(cfg *config.StorageConfig, logger *logrus.Logger) (*BoltStorage, error) {
	if dir := filepath.Dir(cfg.Bolt.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating bolt directory: %w", err)
		}
	}

	db, err := bolt.Open(cfg.Bolt.Path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating conversations bucket: %w", err)
	}

	return &BoltStorage{db: db, maxMessages: cfg.MaxMessages, logger: logger}, nil
}

func (s *BoltStorage) Append(ctx context.Context, sessionID string, msgs ...models.ConversationMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)

		var history []models.ConversationMessage
		if v := b.Get([]byte(sessionID)); v != nil {
			if err := json.Unmarshal(v, &history); err != nil {
				return err
			}
		}
		history = trimHistory(append(history, msgs...), s.maxMessages)

		data, err := json.Marshal(history)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), data)
	})
}

func (s *BoltStorage) History(ctx context.Context, sessionID string) ([]models.ConversationMessage, error) {
	var history []models.ConversationMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &history)
	})
	return history, err
}

func (s *BoltStorage) Clear(ctx context.Context, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(sessionID))
	})
}

// CleanupExpired removes sessions whose newest message is older than ttl.
func (s *BoltStorage) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	cutoff := time.Now().Add(-ttl)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var history []models.ConversationMessage
			if err := json.Unmarshal(v, &history); err != nil || len(history) == 0 ||
				history[len(history)-1].Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})

	if removed > 0 {
		s.logger.WithField("sessions", removed).Debug("Expired sessions removed")
	}
	return err
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}
