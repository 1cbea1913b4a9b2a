package command

import (
	"context"
	"encoding/json"
	"time"

	"unithost/internal/common/cache"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultQueueKey       = "unithost:commands"
	defaultReplyKeyPrefix = "unithost:replies:"
	defaultBatchSize      = 16
	defaultMaxReplies     = 100
	defaultReplyTTL       = 24 * time.Hour
)

// QueueConfig configures the redis command queue.
type QueueConfig struct {
	QueueKey       string `yaml:"queueKey" toml:"queueKey"`
	ReplyKeyPrefix string `yaml:"replyKeyPrefix" toml:"replyKeyPrefix"`
	BatchSize      int    `yaml:"batchSize" toml:"batchSize"`
	// MaxReplies caps each reply list to its newest entries.
	MaxReplies int           `yaml:"maxReplies" toml:"maxReplies"`
	ReplyTTL   time.Duration `yaml:"replyTTL" toml:"replyTTL"`
}

// QueueStore is the redis surface the queue source needs.
type QueueStore interface {
	cache.ListOps
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RedisQueueSource pops JSON messages from a redis list and pushes replies to
// a per-chat list.
type RedisQueueSource struct {
	lists QueueStore
	cfg   QueueConfig
}

// NewRedisQueueSource creates a source over lists.
func NewRedisQueueSource(lists QueueStore, cfg QueueConfig) *RedisQueueSource {
	if cfg.QueueKey == "" {
		cfg.QueueKey = defaultQueueKey
	}
	if cfg.ReplyKeyPrefix == "" {
		cfg.ReplyKeyPrefix = defaultReplyKeyPrefix
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxReplies <= 0 {
		cfg.MaxReplies = defaultMaxReplies
	}
	if cfg.ReplyTTL <= 0 {
		cfg.ReplyTTL = defaultReplyTTL
	}
	return &RedisQueueSource{lists: lists, cfg: cfg}
}

// Receive pops up to BatchSize queued messages, skipping malformed ones.
func (s *RedisQueueSource) Receive(ctx context.Context) ([]Message, error) {
	var out []Message
	for len(out) < s.cfg.BatchSize {
		raw, err := s.lists.LPop(ctx, s.cfg.QueueKey)
		if err != nil {
			if len(out) > 0 {
				// Hand over what was popped; the error surfaces on the next call.
				return out, nil
			}
			return nil, appErr.Wrapf(err, appErr.CacheError, "pop command failed")
		}
		if raw == "" {
			break
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			logger.Warn(ctx, "drop malformed command", zap.String("raw", raw), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ReplyTo returns a channel that appends replies to the chat's reply list.
func (s *RedisQueueSource) ReplyTo(msg Message) ReplyChannel {
	key := s.cfg.ReplyKeyPrefix + msg.ChatID
	return ReplyFunc(func(ctx context.Context, text string) error {
		payload, err := json.Marshal(Reply{ChatID: msg.ChatID, Text: text})
		if err != nil {
			return err
		}
		if err := s.lists.RPush(ctx, key, string(payload)); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "push reply failed")
		}
		// unread replies beyond the cap are dropped oldest first
		if err := s.lists.LTrim(ctx, key, -int64(s.cfg.MaxReplies), -1); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "trim replies failed")
		}
		if err := s.lists.Expire(ctx, key, s.cfg.ReplyTTL); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "expire replies failed")
		}
		return nil
	})
}

// Reply is the JSON document pushed for every reply.
type Reply struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}
