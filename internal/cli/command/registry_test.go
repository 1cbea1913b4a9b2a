package command

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildRequestPaths(t *testing.T) {
	cmds := Registry()
	cases := []struct {
		key    string
		params Params
		method string
		path   string
	}{
		{key: "host status", params: Params{}, method: http.MethodGet, path: "/api/v1/status"},
		{key: "job start", params: Params{"name": "bot.py"}, method: http.MethodPost, path: "/api/v1/jobs/bot.py"},
		{key: "job stop", params: Params{"unit": "bot.py"}, method: http.MethodDelete, path: "/api/v1/jobs/bot.py"},
		{key: "job watch", params: Params{"name": "a b.sh"}, method: http.MethodGet, path: "/api/v1/jobs/a%20b.sh/stream"},
		{key: "mount remove", params: Params{"file": "api.py"}, method: http.MethodDelete, path: "/api/v1/mounts/api.py"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			cmd, ok := cmds[tc.key]
			if !ok {
				t.Fatalf("command %q not registered", tc.key)
			}
			req, err := BuildRequest(cmd, tc.params)
			if err != nil {
				t.Fatalf("build failed: %v", err)
			}
			if req.Method != tc.method || req.Path != tc.path {
				t.Fatalf("unexpected request: %s %s", req.Method, req.Path)
			}
		})
	}
}

func TestBuildRequestMissingName(t *testing.T) {
	if _, err := BuildRequest(Registry()["job start"], Params{}); err == nil {
		t.Fatalf("expected missing name error")
	}
}

func TestBuildRequestBodies(t *testing.T) {
	cmds := Registry()

	req, err := BuildRequest(cmds["pkg install"], Params{"pkgs": "requests, flask==3.0"})
	if err != nil {
		t.Fatalf("build install failed: %v", err)
	}
	var install struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(req.Body, &install); err != nil {
		t.Fatalf("decode install body failed: %v", err)
	}
	if len(install.Packages) != 2 || install.Packages[1] != "flask==3.0" || req.ContentType != "application/json" {
		t.Fatalf("unexpected install request: %+v %q", install, req.ContentType)
	}

	if _, err := BuildRequest(cmds["pkg install"], Params{"packages": " , "}); err == nil {
		t.Fatalf("expected empty package list error")
	}

	req, err = BuildRequest(cmds["unit delete"], Params{"name": "a.sh"})
	if err != nil || req.Body != nil {
		t.Fatalf("delete should carry no body: %v %q", err, req.Body)
	}
}

func TestBuildRequestUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.sh")
	if err := os.WriteFile(path, []byte("echo hi\n"), 0o644); err != nil {
		t.Fatalf("write file failed: %v", err)
	}
	cmd := Registry()["unit upload"]

	req, err := BuildRequest(cmd, Params{"path": path})
	if err != nil {
		t.Fatalf("build upload failed: %v", err)
	}
	if req.Method != http.MethodPut || req.Path != "/api/v1/units/hello.sh" {
		t.Fatalf("unexpected upload target: %s %s", req.Method, req.Path)
	}
	if string(req.Body) != "echo hi\n" || req.ContentType != "application/octet-stream" {
		t.Fatalf("unexpected upload body: %q %q", req.Body, req.ContentType)
	}

	req, err = BuildRequest(cmd, Params{"src": path, "name": "renamed.sh"})
	if err != nil || req.Path != "/api/v1/units/renamed.sh" {
		t.Fatalf("expected explicit name, got %q (%v)", req.Path, err)
	}

	if _, err := BuildRequest(cmd, Params{"path": filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected missing file error")
	}
}
