package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"unithost/internal/cli/command"
	httpclient "unithost/internal/cli/http"
	"unithost/internal/cli/state"

	"github.com/gorilla/websocket"
)

type recorded struct {
	method string
	path   string
	user   string
	body   string
}

type fakeAPI struct {
	mu   sync.Mutex
	reqs []recorded
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/stream") {
		f.stream(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.reqs = append(f.reqs, recorded{method: r.Method, path: r.URL.Path, user: r.Header.Get("X-User-Id"), body: string(body)})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"code":0,"message":"success","data":{"ok":true}}`))
}

func (f *fakeAPI) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for _, text := range []string{"Running bot.py...\nLines: 10", "Finished: bot.py\n\nOutput:\nhi", "never shown"} {
		_ = conn.WriteJSON(feedMessage{Unit: "bot.py", Text: text, At: time.Now()})
	}
	_, _, _ = conn.ReadMessage()
}

func (f *fakeAPI) requests() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.reqs...)
}

func newSession(t *testing.T, input string, user string) (*Session, *fakeAPI, *bytes.Buffer, string) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	statePath := filepath.Join(t.TempDir(), "state.json")
	client := httpclient.New(srv.URL, 5*time.Second, user)
	return New(client, command.Registry(), statePath, true, strings.NewReader(input), out), api, out, statePath
}

func TestExecSendsUserHeader(t *testing.T) {
	sess, api, out, _ := newSession(t, "", "42")
	if err := sess.Exec(context.Background(), "job start bot.py"); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	reqs := api.requests()
	if len(reqs) != 1 || reqs[0].method != http.MethodPost || reqs[0].path != "/api/v1/jobs/bot.py" || reqs[0].user != "42" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if !strings.Contains(out.String(), "HTTP 200") || !strings.Contains(out.String(), "\n  \"code\": 0") {
		t.Fatalf("expected pretty response, got %q", out.String())
	}
}

func TestExecRequiresUserForMutations(t *testing.T) {
	sess, api, _, _ := newSession(t, "", "")
	err := sess.Exec(context.Background(), "mount add api.py")
	if err == nil || !strings.Contains(err.Error(), "set user") {
		t.Fatalf("expected user hint, got %v", err)
	}
	if err := sess.Exec(context.Background(), "unit list"); err != nil {
		t.Fatalf("read-only command should work without user: %v", err)
	}
	if reqs := api.requests(); len(reqs) != 1 || reqs[0].path != "/api/v1/units" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestExecPromptsForMissingFields(t *testing.T) {
	sess, api, out, _ := newSession(t, "requests\n", "1")
	if err := sess.Exec(context.Background(), "pkg install"); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if !strings.Contains(out.String(), "packages (comma separated):") {
		t.Fatalf("expected prompt, got %q", out.String())
	}
	reqs := api.requests()
	if len(reqs) != 1 || reqs[0].body != `{"packages":["requests"]}` {
		t.Fatalf("unexpected body: %+v", reqs)
	}
}

func TestExecCommandText(t *testing.T) {
	sess, api, _, _ := newSession(t, "", "1")
	if err := sess.Exec(context.Background(), `cmd send text="/run bot.py" chat=9`); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	var body map[string]string
	reqs := api.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	if err := json.Unmarshal([]byte(reqs[0].body), &body); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if body["text"] != "/run bot.py" || body["chat_id"] != "9" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestExecErrors(t *testing.T) {
	sess, _, _, _ := newSession(t, "", "1")
	for _, line := range []string{"job", "job launch x", "job start a b", `job start "unterminated`} {
		if err := sess.Exec(context.Background(), line); err == nil {
			t.Fatalf("expected error for %q", line)
		}
	}
}

func TestWatchStopsAtResult(t *testing.T) {
	sess, _, out, _ := newSession(t, "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Exec(ctx, "job watch bot.py"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "Lines: 10") || !strings.Contains(text, "Finished: bot.py") {
		t.Fatalf("expected streamed replies, got %q", text)
	}
	if strings.Contains(text, "never shown") {
		t.Fatalf("watch should stop at the result, got %q", text)
	}
}

func TestRunSetCommandsPersistSession(t *testing.T) {
	sess, api, out, statePath := newSession(t, "set user 7\nset timeout nope\nhost clear\nexit\nunit list\n", "")
	sess.Run(context.Background())

	if !strings.Contains(out.String(), "user set to 7") || !strings.Contains(out.String(), "invalid duration") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	reqs := api.requests()
	if len(reqs) != 1 || reqs[0].path != "/api/v1/clear" || reqs[0].user != "7" {
		t.Fatalf("expected only the clear request before exit: %+v", reqs)
	}
	saved, err := state.Load(statePath)
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	if saved.UserID != "7" || saved.BaseURL == "" {
		t.Fatalf("unexpected saved session: %+v", saved)
	}
}
