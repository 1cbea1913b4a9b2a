package api

import (
	"context"
	"sync"

	"unithost/internal/command"
	"unithost/internal/host/mount"
)

// ImportRequest names an object storage key.
type ImportRequest struct {
	Key string `json:"key" binding:"required"`
}

// InstallRequest lists package requirements.
type InstallRequest struct {
	Packages []string `json:"packages" binding:"required"`
}

// CommandRequest carries one text command.
type CommandRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text" binding:"required"`
}

// CommandResponse holds the replies produced while the command ran.
type CommandResponse struct {
	Replies []string `json:"replies"`
}

// MountView is a mount with its public URL.
type MountView struct {
	mount.Info
	URL string `json:"url"`
}

// collector keeps replies until texts is called; later replies are dropped.
type collector struct {
	mu     sync.Mutex
	closed bool
	out    []string
}

func (c *collector) Send(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.out = append(c.out, text)
	}
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	out := make([]string, len(c.out))
	copy(out, c.out)
	return out
}

type teeReply []command.ReplyChannel

func (t teeReply) Send(ctx context.Context, text string) error {
	var first error
	for _, r := range t {
		if err := r.Send(ctx, text); err != nil && first == nil {
			first = err
		}
	}
	return first
}
