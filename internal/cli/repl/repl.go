package repl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"unithost/internal/cli/command"
	httpclient "unithost/internal/cli/http"
	"unithost/internal/cli/state"

	"github.com/google/shlex"
	"github.com/gorilla/websocket"
)

const prompt = "unitctl> "

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	statePath  string
	prettyJSON bool
	in         *bufio.Reader
	out        *bufio.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, statePath string, prettyJSON bool, in io.Reader, out io.Writer) *Session {
	return &Session{
		client:     client,
		commands:   commands,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		in:         bufio.NewReader(in),
		out:        bufio.NewWriter(out),
	}
}

// Run reads commands until exit or end of input.
func (s *Session) Run(ctx context.Context) {
	for {
		_, _ = s.out.WriteString(prompt)
		_ = s.out.Flush()
		line, err := s.in.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}
		if err := s.Exec(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	switch {
	case line == "help":
		s.printHelp()
	case strings.HasPrefix(line, "set "):
		s.handleSet(strings.Fields(strings.TrimPrefix(line, "set ")))
	case line == "show":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("user: %s", orEmpty(s.client.UserID()))
		s.printLine("state: %s", s.statePath)
	default:
		return false
	}
	return true
}

func (s *Session) handleSet(parts []string) {
	if len(parts) < 2 {
		s.printLine("usage: set base <url> | set user <id> | set timeout <duration>")
		return
	}
	switch parts[0] {
	case "base":
		s.client.SetBaseURL(parts[1])
		s.persist()
		s.printLine("base set to %s", s.client.BaseURL())
	case "user":
		s.client.SetUserID(parts[1])
		s.persist()
		s.printLine("user set to %s", parts[1])
	case "timeout":
		dur, err := time.ParseDuration(parts[1])
		if err != nil || dur <= 0 {
			s.printLine("invalid duration: %s", parts[1])
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) persist() {
	if s.statePath == "" {
		return
	}
	st := state.Session{BaseURL: s.client.BaseURL(), UserID: s.client.UserID()}
	if err := state.Save(s.statePath, st); err != nil {
		s.printLine("save session failed: %v", err)
	}
}

// Exec runs one "<service> <action> key=value ..." line.
func (s *Session) Exec(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	cmd, ok := s.commands[tokens[0]+" "+tokens[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
	}

	params := command.Params{}
	for i, token := range tokens[2:] {
		key, value, found := strings.Cut(token, "=")
		if !found {
			// a bare first argument fills the first field
			if i == 0 && len(cmd.Fields) > 0 {
				params.Set(cmd.Fields[0].Name, token)
				continue
			}
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(key, value)
	}
	if cmd.RequiresUser && s.client.UserID() == "" {
		return fmt.Errorf("%s needs a user, run: set user <id>", cmd.Key())
	}
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	if cmd.Stream {
		return s.watch(ctx, req.Path)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.ContentType, body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	params.Canonicalize(cmd.Fields)
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		s.printLine("%s:", field.Prompt)
		line, err := s.in.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		value := strings.TrimSpace(line)
		if value == "" {
			return fmt.Errorf("%s is required", field.Name)
		}
		params.Set(field.Name, value)
	}
	return nil
}

type feedMessage struct {
	Unit string    `json:"unit"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// watch prints job replies until the job reports a result or the stream closes.
func (s *Session) watch(ctx context.Context, path string) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.client.StreamURL(path), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("open stream failed: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("open stream failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.printLine("watching %s", path)
	for {
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		s.printLine("[%s] %s", msg.At.Format(time.TimeOnly), msg.Text)
		if strings.HasPrefix(msg.Text, "Finished: ") || strings.HasPrefix(msg.Text, "Failed: ") {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration.Round(time.Millisecond))
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, resp.Body, "", "  "); err == nil {
			s.printLine("%s", buf.String())
			return
		}
	}
	s.printLine("%s", strings.TrimRight(string(resp.Body), "\n"))
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | show | set base|user|timeout")
	s.printLine("commands:")
	s.printLine("  host status | host clear")
	s.printLine("  unit list | unit upload path=./bot.py [name=bot.py] | unit delete <name>")
	s.printLine("  unit importable | unit import key=bots/a.py.zst")
	s.printLine("  job list | job get <name> | job start <name> | job stop <name> | job watch <name>")
	s.printLine("  mount list | mount add <name> | mount remove <name>")
	s.printLine("  pkg install packages=requests,flask")
	s.printLine("  cmd send text=\"/run bot.py\"")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
	_ = s.out.Flush()
}

func orEmpty(v string) string {
	if v == "" {
		return "<empty>"
	}
	return v
}
