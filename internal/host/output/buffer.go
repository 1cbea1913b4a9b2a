// Package output keeps the bounded stdout/stderr tail of a running unit.
package output

import (
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	DefaultStdoutLines = 50
	DefaultStdoutBytes = 2000
	DefaultStderrBytes = 1000
)

// Config bounds what a Buffer retains.
type Config struct {
	StdoutLines int `yaml:"stdoutLines" toml:"stdoutLines"`
	StdoutBytes int `yaml:"stdoutBytes" toml:"stdoutBytes"`
	StderrBytes int `yaml:"stderrBytes" toml:"stderrBytes"`
}

func (c Config) withDefaults() Config {
	if c.StdoutLines <= 0 {
		c.StdoutLines = DefaultStdoutLines
	}
	if c.StdoutBytes <= 0 {
		c.StdoutBytes = DefaultStdoutBytes
	}
	if c.StderrBytes <= 0 {
		c.StderrBytes = DefaultStderrBytes
	}
	return c
}

// Tail is a point-in-time copy of the retained output.
type Tail struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Lines  int    `json:"lines"`
}

// Buffer accumulates output from one stdout writer and one stderr writer.
// Readers may call Tail concurrently with both writers.
type Buffer struct {
	cfg Config

	mu     sync.Mutex
	ring   []string
	head   int
	size   int
	lines  int
	stderr []byte
}

// New creates a Buffer with cfg, zero fields take the defaults.
func New(cfg Config) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		cfg:  cfg,
		ring: make([]string, cfg.StdoutLines),
	}
}

// AppendLine records one stdout line (without its terminator) and returns the
// total number of lines seen so far.
func (b *Buffer) AppendLine(line string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.head + b.size) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.ring)
	}
	b.ring[idx] = line
	b.lines++
	return b.lines
}

// Write appends stderr bytes, keeping only the configured tail.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := b.cfg.StderrBytes
	if len(p) >= limit {
		b.stderr = append(b.stderr[:0], p[len(p)-limit:]...)
		return len(p), nil
	}
	if overflow := len(b.stderr) + len(p) - limit; overflow > 0 {
		b.stderr = append(b.stderr[:0], b.stderr[overflow:]...)
	}
	b.stderr = append(b.stderr, p...)
	return len(p), nil
}

// Lines returns the number of stdout lines seen, including discarded ones.
func (b *Buffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines
}

// Tail returns the retained output.
func (b *Buffer) Tail() Tail {
	b.mu.Lock()
	retained := make([]string, 0, b.size)
	for i := 0; i < b.size; i++ {
		retained = append(retained, b.ring[(b.head+i)%len(b.ring)])
	}
	stderr := string(b.stderr)
	lines := b.lines
	b.mu.Unlock()

	return Tail{
		Stdout: TrimTail(strings.Join(retained, "\n"), b.cfg.StdoutBytes),
		Stderr: TrimTail(stderr, b.cfg.StderrBytes),
		Lines:  lines,
	}
}

// TrimTail returns at most the last n bytes of s without splitting a UTF-8
// sequence at the cut.
func TrimTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
