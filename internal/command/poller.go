package command

import (
	"context"
	"fmt"
	"time"

	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPollInterval   = time.Second
	defaultRestartBackoff = 5 * time.Second
)

// Source delivers inbound messages and routes replies back to their sender.
type Source interface {
	// Receive returns the pending messages, or none.
	Receive(ctx context.Context) ([]Message, error)
	// ReplyTo returns the channel replies for msg are written to.
	ReplyTo(msg Message) ReplyChannel
}

// Handler executes one message.
type Handler interface {
	Handle(ctx context.Context, msg Message, reply ReplyChannel) error
}

// Poller feeds messages from a Source to a Handler until its context ends.
type Poller struct {
	Source         Source
	Handler        Handler
	PollInterval   time.Duration
	RestartBackoff time.Duration
}

// Run polls in sessions. A session that fails or panics is logged and a new
// one starts after RestartBackoff.
func (p *Poller) Run(ctx context.Context) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	backoff := p.RestartBackoff
	if backoff <= 0 {
		backoff = defaultRestartBackoff
	}
	for {
		logger.Info(ctx, "command polling started")
		err := p.session(ctx, interval)
		if ctx.Err() != nil {
			logger.Info(ctx, "command polling stopped")
			return
		}
		logger.Error(ctx, "command polling failed, restarting", zap.Error(err), zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) session(ctx context.Context, interval time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll session panicked: %v", r)
		}
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		msgs, err := p.Source.Receive(ctx)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := p.Handler.Handle(ctx, msg, p.Source.ReplyTo(msg)); err != nil {
				logger.Warn(ctx, "handle command failed", zap.String("user_id", msg.UserID), zap.Error(err))
			}
		}
		if len(msgs) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
