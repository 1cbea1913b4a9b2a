package command

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"unithost/internal/host/job"
	"unithost/internal/host/supervisor"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

// ReplyChannel receives text replies for one requester.
type ReplyChannel interface {
	Send(ctx context.Context, text string) error
}

// ReplyFunc adapts a function to ReplyChannel.
type ReplyFunc func(ctx context.Context, text string) error

func (f ReplyFunc) Send(ctx context.Context, text string) error {
	return f(ctx, text)
}

// Discard drops every reply.
var Discard ReplyChannel = ReplyFunc(func(context.Context, string) error { return nil })

type gatedReply struct {
	next ReplyChannel
	open chan struct{}
	once sync.Once
}

func newGatedReply(next ReplyChannel) *gatedReply {
	return &gatedReply{next: next, open: make(chan struct{})}
}

func (g *gatedReply) Send(ctx context.Context, text string) error {
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.next.Send(ctx, text)
}

func (g *gatedReply) release() {
	g.once.Do(func() { close(g.open) })
}

func send(ctx context.Context, reply ReplyChannel, text string) {
	if reply == nil {
		return
	}
	if err := reply.Send(ctx, text); err != nil {
		logger.Warn(ctx, "send reply failed", zap.Error(err))
	}
}

func progressText(p supervisor.Progress) string {
	return fmt.Sprintf("Running %s...\nLines: %d", p.Name, p.Lines)
}

func resultText(r supervisor.Result) string {
	var b strings.Builder
	switch r.Status {
	case job.StatusCompleted:
		fmt.Fprintf(&b, "Finished: %s", r.Name)
	default:
		fmt.Fprintf(&b, "Failed: %s (exit code %d)", r.Name, r.ExitCode)
	}
	if r.Output != "" {
		fmt.Fprintf(&b, "\n\nOutput:\n%s", r.Output)
	}
	if r.Errors != "" {
		fmt.Fprintf(&b, "\n\nErrors:\n%s", r.Errors)
	}
	if r.Output == "" && r.Errors == "" {
		b.WriteString("\n\nNo output.")
	}
	return b.String()
}

// Describe maps an error to the short message shown to the requester.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	e := appErr.GetError(err)
	if e == nil {
		return "Error: internal error"
	}
	if e.Code.IsNotFound() {
		return "Not found: " + e.Error()
	}
	switch e.Code {
	case appErr.AlreadyRunning:
		return "Already running: " + e.Error()
	case appErr.AlreadyMounted:
		return "Already hosted: " + e.Error()
	case appErr.DuplicatePrefix:
		return "Path already in use: " + e.Error()
	case appErr.LoadFailed:
		return "Hosting failed: " + e.Error()
	case appErr.MissingEntrypoint:
		return "Hosting failed: no entrypoint found in unit"
	case appErr.LoaderTimeout:
		return "Hosting failed: " + e.Error()
	case appErr.Forbidden:
		return "Not allowed: " + e.Error()
	case appErr.SpawnError, appErr.ProcessRuntimeFailure:
		return "Run failed: " + e.Error()
	case appErr.UnsupportedUnit:
		return "Not supported: " + e.Error()
	case appErr.InstallFailed:
		return "Install failed: " + e.Error()
	case appErr.UnknownCommand, appErr.MissingArgs, appErr.InvalidUnitName, appErr.InvalidPrefix, appErr.InvalidValue:
		return e.Error()
	case appErr.InternalServerError:
		return "Error: internal error"
	default:
		return "Error: " + e.Error()
	}
}
