package command_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"unithost/internal/command"
	"unithost/internal/events"
	"unithost/internal/host/deps"
	"unithost/internal/host/job"
	"unithost/internal/host/loader"
	"unithost/internal/host/mount"
	"unithost/internal/host/supervisor"
	"unithost/internal/unitstore"
	appErr "unithost/pkg/errors"
)

const adminID = "1"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakePackages struct {
	installed []string
}

func (f *fakePackages) Install(ctx context.Context, reqs []string) (deps.InstallResult, error) {
	f.installed = append(f.installed, reqs...)
	return deps.InstallResult{Packages: reqs, Output: "Successfully installed"}, nil
}

func (f *fakePackages) Count(ctx context.Context) int { return len(f.installed) }

type closer struct{ http.Handler }

func (closer) Close() error { return nil }

type replies struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func newReplies() *replies {
	return &replies{ch: make(chan string, 64)}
}

func (r *replies) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	r.ch <- text
	return nil
}

func (r *replies) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for reply")
	}
	return ""
}

type fixture struct {
	svc       *command.Service
	store     *unitstore.Store
	sup       *supervisor.Supervisor
	registry  *mount.Registry
	publisher *recordingPublisher
	packages  *fakePackages
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := unitstore.New(unitstore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	pub := &recordingPublisher{}
	sup, err := supervisor.New(supervisor.Config{
		Interpreters: map[string]string{".sh": "sh", ".py": "true"},
		Observer:     command.JobObserver(pub),
	})
	if err != nil {
		t.Fatalf("new supervisor failed: %v", err)
	}
	t.Cleanup(func() {
		sup.StopAll(context.Background())
		sup.Wait()
	})
	l := loader.LoaderFunc(func(ctx context.Context, unit loader.Unit) (loader.Handler, error) {
		if strings.HasPrefix(unit.Name, "broken") {
			return nil, appErr.Newf(appErr.LoadFailed, "ModuleNotFoundError: No module named 'nope'")
		}
		return closer{http.NotFoundHandler()}, nil
	})
	registry := mount.NewRegistry(l, mount.Config{DrainTimeout: time.Second})
	packages := &fakePackages{}
	svc := command.NewService(command.Config{AdminID: adminID, ExternalURL: "host.example.com"}, command.Deps{
		Jobs:      sup,
		Mounts:    registry,
		Units:     store,
		Packages:  packages,
		Publisher: pub,
	})
	return &fixture{svc: svc, store: store, sup: sup, registry: registry, publisher: pub, packages: packages}
}

func (f *fixture) save(t *testing.T, name, body string) {
	t.Helper()
	if _, err := f.store.Save(context.Background(), name, strings.NewReader(body)); err != nil {
		t.Fatalf("save %s failed: %v", name, err)
	}
}

func (f *fixture) handle(t *testing.T, user, text string, r *replies) {
	t.Helper()
	msg := command.Message{ChatID: "chat-" + user, UserID: user, Text: text}
	if err := f.svc.Handle(context.Background(), msg, r); err != nil {
		t.Fatalf("handle %q failed: %v", text, err)
	}
}

func TestRunRepliesInOrder(t *testing.T) {
	f := newFixture(t)
	f.save(t, "count.sh", "i=1\nwhile [ $i -le 12 ]; do echo line-$i; i=$((i+1)); done\n")
	r := newReplies()

	f.handle(t, "42", "/run count.sh", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Started execution: count.sh") {
		t.Fatalf("first reply should announce the start, got %q", msg)
	}
	var last string
	for !strings.HasPrefix(last, "Finished") && !strings.HasPrefix(last, "Failed") {
		last = r.next(t)
	}
	if !strings.HasPrefix(last, "Finished: count.sh") || !strings.Contains(last, "line-12") {
		t.Fatalf("unexpected result reply: %q", last)
	}
}

func TestRunTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.save(t, "loop.sh", "while true; do sleep 0.05; done\n")
	r := newReplies()

	f.handle(t, "42", "run loop.sh", r)
	r.next(t)
	f.handle(t, "42", "run loop.sh", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Already running") {
		t.Fatalf("unexpected reply: %q", msg)
	}
	f.handle(t, "42", "stop loop.sh", r)
	if msg := r.next(t); msg != "Stopped: loop.sh" {
		t.Fatalf("unexpected reply: %q", msg)
	}
	f.handle(t, "42", "stop loop.sh", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Not found") {
		t.Fatalf("unexpected reply: %q", msg)
	}
}

func TestRunWarnsForWebService(t *testing.T) {
	f := newFixture(t)
	f.save(t, "web.py", "from flask import Flask\napp = Flask(__name__)\napp.run()\n")

	out, err := f.svc.RequestStart(context.Background(), "web.py", job.Requester{UserID: "42"}, command.Discard)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if out.Warning == "" {
		t.Fatalf("expected a host-instead warning")
	}
}

func TestHostAndUnhost(t *testing.T) {
	f := newFixture(t)
	f.save(t, "api.py", "app = None\n")
	r := newReplies()

	f.handle(t, "42", "host api.py", r)
	msg := r.next(t)
	if !strings.Contains(msg, "URL: https://host.example.com/u42/api/") {
		t.Fatalf("unexpected host reply: %q", msg)
	}
	f.handle(t, "42", "host api.py", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Already hosted") {
		t.Fatalf("unexpected reply: %q", msg)
	}

	f.handle(t, "7", "apis", r)
	if msg := r.next(t); msg != "No units currently hosted" {
		t.Fatalf("other users must not see the mount: %q", msg)
	}
	f.handle(t, "7", "unhost api.py", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Not allowed") {
		t.Fatalf("unexpected reply: %q", msg)
	}
	f.handle(t, adminID, "unhost api.py", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Stopped hosting: api.py") {
		t.Fatalf("unexpected reply: %q", msg)
	}
	f.registry.Wait()

	types := f.publisher.types()
	if len(types) != 2 || types[0] != events.MountAdded || types[1] != events.MountRemoved {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestHostLoadFailureIsVerbatim(t *testing.T) {
	f := newFixture(t)
	f.save(t, "broken.py", "import nope\n")
	r := newReplies()

	f.handle(t, "42", "host broken.py", r)
	if msg := r.next(t); msg != "Hosting failed: ModuleNotFoundError: No module named 'nope'" {
		t.Fatalf("unexpected reply: %q", msg)
	}
	f.save(t, "job.sh", "echo hi\n")
	f.handle(t, "42", "host job.sh", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Not supported: only .py") {
		t.Fatalf("unexpected reply: %q", msg)
	}
}

func TestMountRejectsOwnerOutsideNamespace(t *testing.T) {
	f := newFixture(t)
	f.save(t, "units.py", "app = None\n")
	ctx := context.Background()

	for _, owner := range []string{"", "1/../api/v1", "x/..", "1/../2"} {
		if _, err := f.svc.RequestMount(ctx, "units.py", owner); !appErr.Is(err, appErr.InvalidPrefix) {
			t.Fatalf("owner %q: expected InvalidPrefix, got %v", owner, err)
		}
	}
	if f.registry.Count() != 0 {
		t.Fatalf("expected nothing mounted, got %d", f.registry.Count())
	}
}

func TestDeleteUnhostsAndRemoves(t *testing.T) {
	f := newFixture(t)
	f.save(t, "api.py", "app = None\n")
	ctx := context.Background()
	if _, err := f.svc.RequestMount(ctx, "api.py", "42"); err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	if err := f.svc.DeleteUnit(ctx, "api.py", "7"); !appErr.Is(err, appErr.Forbidden) {
		t.Fatalf("expected Forbidden for non-owner, got %v", err)
	}
	if err := f.svc.DeleteUnit(ctx, "api.py", "42"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if f.registry.Count() != 0 {
		t.Fatalf("expected mount removed")
	}
	if _, err := os.Stat(filepath.Join(f.store.Dir(), "api.py")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
	if err := f.svc.DeleteUnit(ctx, "api.py", "42"); !appErr.Is(err, appErr.UnitNotFound) {
		t.Fatalf("expected UnitNotFound, got %v", err)
	}
}

func TestClearIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.save(t, "a.sh", "sleep 5\n")
	f.save(t, "api.py", "app = None\n")
	r := newReplies()

	f.handle(t, "42", "run a.sh", r)
	r.next(t)
	f.handle(t, "42", "host api.py", r)
	r.next(t)

	f.handle(t, "42", "clear", r)
	if msg := r.next(t); !strings.Contains(msg, "clear confirm") {
		t.Fatalf("expected confirmation prompt, got %q", msg)
	}
	f.handle(t, "42", "clear confirm", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Not allowed") {
		t.Fatalf("unexpected reply: %q", msg)
	}
	f.handle(t, adminID, "clear confirm", r)
	if msg := r.next(t); msg != "Cleared 2 files, 1 jobs and 1 hosted units." {
		t.Fatalf("unexpected reply: %q", msg)
	}
	st := f.svc.RequestStatus(context.Background())
	if st.FileCount != 0 || st.ActiveJobCount != 0 || st.ActiveMountCount != 0 {
		t.Fatalf("unexpected status after clear: %+v", st)
	}
}

func TestStatusInstallAndHelp(t *testing.T) {
	f := newFixture(t)
	f.save(t, "a.sh", "echo a\n")
	r := newReplies()

	f.handle(t, "42", "install requests numpy", r)
	if msg := r.next(t); !strings.HasPrefix(msg, "Installing: requests numpy") {
		t.Fatalf("unexpected reply: %q", msg)
	}
	if msg := r.next(t); !strings.HasPrefix(msg, "Installed: requests numpy") {
		t.Fatalf("unexpected reply: %q", msg)
	}

	f.handle(t, "42", "status", r)
	msg := r.next(t)
	for _, want := range []string{"Files: 1", "Units running: 0", "Hosted units: 0", "Installed packages: 2"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("status reply %q lacks %q", msg, want)
		}
	}

	f.handle(t, "42", "help", r)
	if msg := r.next(t); !strings.Contains(msg, "host <unit.py>") {
		t.Fatalf("unexpected help: %q", msg)
	}
	f.handle(t, "42", "frobnicate", r)
	if msg := r.next(t); !strings.Contains(msg, "unknown command") {
		t.Fatalf("unexpected reply: %q", msg)
	}
	f.handle(t, "42", "import x.py", r)
	if msg := r.next(t); !strings.Contains(msg, "object storage is not configured") {
		t.Fatalf("unexpected reply: %q", msg)
	}
}

func TestJobObserverPublishesLifecycle(t *testing.T) {
	f := newFixture(t)
	f.save(t, "ok.sh", "exit 0\n")
	done := make(chan struct{})
	_, err := f.svc.RequestStart(context.Background(), "ok.sh", job.Requester{UserID: "42", ChatID: "c"},
		command.ReplyFunc(func(ctx context.Context, text string) error {
			if strings.HasPrefix(text, "Finished") {
				close(done)
			}
			return nil
		}))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-done
	f.sup.Wait()

	types := f.publisher.types()
	if len(types) != 2 || types[0] != events.JobStarted || types[1] != events.JobFinished {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                          "http://localhost",
		"myapp.onrender.com":        "https://myapp.onrender.com",
		"localhost:8080":            "http://localhost:8080",
		"127.0.0.1:5000":            "http://127.0.0.1:5000",
		"https://host.example.com/": "https://host.example.com",
	}
	for in, want := range cases {
		if got := command.BaseURL(in); got != want {
			t.Fatalf("BaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakeImporter struct {
	keys []string
}

func (f fakeImporter) Import(ctx context.Context, key string) (unitstore.UnitFile, error) {
	return unitstore.UnitFile{Name: filepath.Base(key), SizeBytes: 3}, nil
}

func (f fakeImporter) Available(ctx context.Context) ([]string, error) { return f.keys, nil }

func TestImportListsAndCopies(t *testing.T) {
	f := newFixture(t)
	r := newReplies()

	f.handle(t, "42", "import", r)
	if msg := r.next(t); !strings.Contains(msg, "object storage is not configured") {
		t.Fatalf("unexpected reply without storage: %q", msg)
	}

	svc := command.NewService(command.Config{AdminID: adminID}, command.Deps{
		Jobs:      f.sup,
		Mounts:    f.registry,
		Units:     f.store,
		Importer:  fakeImporter{keys: []string{"units/a.py", "units/b.sh.zst"}},
		Publisher: f.publisher,
	})
	msg := command.Message{ChatID: "c", UserID: "42", Text: "import"}
	if err := svc.Handle(context.Background(), msg, r); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got := r.next(t); got != "Importable:\n- units/a.py\n- units/b.sh.zst" {
		t.Fatalf("unexpected listing: %q", got)
	}
	msg.Text = "import units/a.py"
	if err := svc.Handle(context.Background(), msg, r); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got := r.next(t); got != "File imported: a.py (3 bytes)" {
		t.Fatalf("unexpected import reply: %q", got)
	}
}
