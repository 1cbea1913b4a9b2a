// Package events publishes host lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"unithost/internal/common/mq"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

// Type names a lifecycle event.
type Type string

const (
	JobStarted   Type = "job.started"
	JobFinished  Type = "job.finished"
	JobStopped   Type = "job.stopped"
	MountAdded   Type = "mount.added"
	MountRemoved Type = "mount.removed"
	MountCleared Type = "mount.cleared"
	UnitSaved    Type = "unit.saved"
	UnitDeleted  Type = "unit.deleted"
)

// Event is the payload published for every lifecycle change.
type Event struct {
	Type      Type              `json:"type"`
	Unit      string            `json:"unit,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Prefix    string            `json:"prefix,omitempty"`
	Count     int               `json:"count,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// BatchPublisher is a Publisher that can write several events at once.
type BatchPublisher interface {
	Publisher
	PublishBatch(ctx context.Context, batch []Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// MQPublisher publishes events to a message queue topic.
type MQPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQPublisher creates a publisher writing to topic.
func NewMQPublisher(producer mq.Producer, topic string) *MQPublisher {
	return &MQPublisher{producer: producer, topic: topic}
}

// Publish serializes event and writes it keyed by unit name, so events for
// one unit stay ordered within a partition.
func (p *MQPublisher) Publish(ctx context.Context, event Event) error {
	if err := p.ready(); err != nil {
		return err
	}
	message, err := encode(event)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish event failed")
	}
	return nil
}

// PublishBatch writes events in one producer call.
func (p *MQPublisher) PublishBatch(ctx context.Context, batch []Event) error {
	if err := p.ready(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	messages := make([]*mq.Message, 0, len(batch))
	for _, event := range batch {
		message, err := encode(event)
		if err != nil {
			return err
		}
		messages = append(messages, message)
	}
	if err := p.producer.PublishBatch(ctx, p.topic, messages); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish %d events failed", len(batch))
	}
	return nil
}

func (p *MQPublisher) ready() error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	return nil
}

func encode(event Event) (*mq.Message, error) {
	if event.Type == "" {
		return nil, appErr.ValidationError("type", "required")
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.Unit
	message.SetHeader("event_type", string(event.Type))
	if event.RunID != "" {
		message.SetHeader("run_id", event.RunID)
	}
	return message, nil
}

// Emit publishes event and logs failures instead of returning them.
func Emit(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.Warn(ctx, "publish event failed", zap.String("type", string(event.Type)), zap.String("unit", event.Unit), zap.Error(err))
	}
}
