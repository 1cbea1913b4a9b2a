package output_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"unithost/internal/host/output"
)

func TestBufferKeepsLastLines(t *testing.T) {
	buf := output.New(output.Config{StdoutLines: 3})
	for i := 1; i <= 5; i++ {
		buf.AppendLine(fmt.Sprintf("line-%d", i))
	}
	tail := buf.Tail()
	if tail.Lines != 5 {
		t.Fatalf("expected 5 lines counted, got %d", tail.Lines)
	}
	if tail.Stdout != "line-3\nline-4\nline-5" {
		t.Fatalf("unexpected stdout tail: %q", tail.Stdout)
	}
}

func TestBufferStdoutByteCap(t *testing.T) {
	buf := output.New(output.Config{StdoutLines: 10, StdoutBytes: 8})
	buf.AppendLine("aaaa")
	buf.AppendLine("bbbbbbbb")
	if got := buf.Tail().Stdout; got != "bbbbbbbb" {
		t.Fatalf("unexpected stdout tail: %q", got)
	}
}

func TestBufferStderrTail(t *testing.T) {
	buf := output.New(output.Config{StderrBytes: 10})
	_, _ = buf.Write([]byte("0123456789"))
	_, _ = buf.Write([]byte("abc"))
	if got := buf.Tail().Stderr; got != "3456789abc" {
		t.Fatalf("unexpected stderr tail: %q", got)
	}
	_, _ = buf.Write([]byte(strings.Repeat("x", 25)))
	if got := buf.Tail().Stderr; got != strings.Repeat("x", 10) {
		t.Fatalf("unexpected stderr tail after overflow: %q", got)
	}
}

func TestTrimTailRespectsRuneBoundary(t *testing.T) {
	s := "héllo wörld"
	for n := 0; n <= len(s)+1; n++ {
		got := output.TrimTail(s, n)
		if !utf8.ValidString(got) {
			t.Fatalf("n=%d produced invalid utf-8: %q", n, got)
		}
		if len(got) > n {
			t.Fatalf("n=%d produced %d bytes", n, len(got))
		}
		if !strings.HasSuffix(s, got) {
			t.Fatalf("n=%d produced non-suffix %q", n, got)
		}
	}
}

func TestBufferConcurrentWriters(t *testing.T) {
	buf := output.New(output.Config{})
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			buf.AppendLine("out")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, _ = buf.Write([]byte("err\n"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = buf.Tail()
		}
	}()
	wg.Wait()
	tail := buf.Tail()
	if tail.Lines != 500 {
		t.Fatalf("expected 500 lines, got %d", tail.Lines)
	}
	if len(tail.Stderr) > output.DefaultStderrBytes {
		t.Fatalf("stderr tail too long: %d", len(tail.Stderr))
	}
}
