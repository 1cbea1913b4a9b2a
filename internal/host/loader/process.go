package loader

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"unithost/internal/host/output"
	"unithost/internal/host/procgroup"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/logger"
	"unithost/pkg/utils/response"

	"go.uber.org/zap"
)

//go:embed shim.py
var shimSource []byte

const (
	exitImportFailed      = 2
	exitMissingEntrypoint = 3
	readyLine             = "READY"
	stderrKeepBytes       = 4000

	defaultPython       = "python3"
	defaultEntrypoint   = "app"
	defaultReadyTimeout = 20 * time.Second
	defaultStopGrace    = 5 * time.Second
)

// ProxyConfig holds reverse proxy transport settings.
type ProxyConfig struct {
	MaxIdleConns          int           `yaml:"maxIdleConns" toml:"maxIdleConns"`
	MaxIdleConnsPerHost   int           `yaml:"maxIdleConnsPerHost" toml:"maxIdleConnsPerHost"`
	IdleConnTimeout       time.Duration `yaml:"idleConnTimeout" toml:"idleConnTimeout"`
	ResponseHeaderTimeout time.Duration `yaml:"responseHeaderTimeout" toml:"responseHeaderTimeout"`
	DialTimeout           time.Duration `yaml:"dialTimeout" toml:"dialTimeout"`
}

// ProcessConfig configures ProcessLoader.
type ProcessConfig struct {
	Python       string        `yaml:"python" toml:"python"`
	Entrypoint   string        `yaml:"entrypoint" toml:"entrypoint"`
	RuntimeDir   string        `yaml:"runtimeDir" toml:"runtimeDir"`
	ReadyTimeout time.Duration `yaml:"readyTimeout" toml:"readyTimeout"`
	StopGrace    time.Duration `yaml:"stopGrace" toml:"stopGrace"`
	Env          []string      `yaml:"env" toml:"env"`
	Proxy        ProxyConfig   `yaml:"proxy" toml:"proxy"`
}

// ProcessLoader serves each unit from its own interpreter process on a
// loopback port and proxies requests to it.
type ProcessLoader struct {
	cfg      ProcessConfig
	shimPath string
}

// NewProcessLoader writes the serving shim into the runtime directory.
func NewProcessLoader(cfg ProcessConfig) (*ProcessLoader, error) {
	if cfg.Python == "" {
		cfg.Python = defaultPython
	}
	if cfg.Entrypoint == "" {
		cfg.Entrypoint = defaultEntrypoint
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = filepath.Join(os.TempDir(), "unithost")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Proxy.DialTimeout <= 0 {
		cfg.Proxy.DialTimeout = 5 * time.Second
	}
	if cfg.Proxy.IdleConnTimeout <= 0 {
		cfg.Proxy.IdleConnTimeout = 90 * time.Second
	}
	if cfg.Proxy.MaxIdleConnsPerHost <= 0 {
		cfg.Proxy.MaxIdleConnsPerHost = 16
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir failed: %w", err)
	}
	shimPath := filepath.Join(cfg.RuntimeDir, "unithost_shim.py")
	if err := os.WriteFile(shimPath, shimSource, 0o644); err != nil {
		return nil, fmt.Errorf("write shim failed: %w", err)
	}
	return &ProcessLoader{cfg: cfg, shimPath: shimPath}, nil
}

// Load starts the unit and waits until it serves or fails.
func (l *ProcessLoader) Load(ctx context.Context, unit Unit) (Handler, error) {
	port, err := freePort()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.LoadFailed, "allocate port: %v", err)
	}

	cmd := exec.Command(l.cfg.Python, l.shimPath, unit.Path, strconv.Itoa(port), l.cfg.Entrypoint)
	cmd.Dir = filepath.Dir(unit.Path)
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Env = append(cmd.Env, "PYTHONUNBUFFERED=1")
	procgroup.Prepare(cmd)

	stderrTail := output.New(output.Config{StderrBytes: stderrKeepBytes})
	cmd.Stderr = stderrTail
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.LoadFailed, "open stdout: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, appErr.Wrapf(err, appErr.LoadFailed, "start interpreter: %v", err)
	}
	pid := cmd.Process.Pid

	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		signalled := false
		for scanner.Scan() {
			line := scanner.Text()
			if !signalled && strings.TrimSpace(line) == readyLine {
				signalled = true
				close(ready)
				continue
			}
			logger.Debug(ctx, "unit output", zap.String("unit", unit.Name), zap.String("line", line))
		}
		_, _ = io.Copy(io.Discard, stdout)
	}()

	exited := make(chan struct{})
	var exitCode int
	go func() {
		exitCode = exitCodeOf(cmd.Wait())
		close(exited)
	}()

	timer := time.NewTimer(l.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-exited:
		return nil, loadError(unit, exitCode, strings.TrimSpace(stderrTail.Tail().Stderr))
	case <-timer.C:
		_ = procgroup.StopWithGrace(pid, exited, l.cfg.StopGrace)
		return nil, appErr.Newf(appErr.LoaderTimeout, "%s did not become ready within %s", unit.Name, l.cfg.ReadyTimeout)
	case <-ctx.Done():
		_ = procgroup.StopWithGrace(pid, exited, l.cfg.StopGrace)
		return nil, appErr.Wrapf(ctx.Err(), appErr.LoadFailed, "load %s cancelled", unit.Name)
	}

	logger.Info(ctx, "unit serving", zap.String("unit", unit.Name), zap.Int("pid", pid), zap.Int("port", port))
	return &processHandler{
		name:   unit.Name,
		pid:    pid,
		exited: exited,
		grace:  l.cfg.StopGrace,
		proxy:  newProxy(fmt.Sprintf("127.0.0.1:%d", port), l.cfg.Proxy),
	}, nil
}

func loadError(unit Unit, exitCode int, stderr string) error {
	switch exitCode {
	case exitImportFailed:
		if stderr == "" {
			stderr = "import failed"
		}
		return appErr.Newf(appErr.LoadFailed, "%s", stderr)
	case exitMissingEntrypoint:
		if stderr == "" {
			return appErr.Newf(appErr.MissingEntrypoint, "no entrypoint found in %s", unit.Name)
		}
		return appErr.Newf(appErr.MissingEntrypoint, "%s", stderr)
	default:
		if stderr == "" {
			stderr = fmt.Sprintf("interpreter exited with code %d", exitCode)
		}
		return appErr.Newf(appErr.LoadFailed, "%s", stderr)
	}
}

type processHandler struct {
	name   string
	pid    int
	exited chan struct{}
	grace  time.Duration
	proxy  *httputil.ReverseProxy
	once   sync.Once
	err    error
}

func (h *processHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.proxy.ServeHTTP(w, r)
}

// Close stops the serving process group, escalating to SIGKILL after the grace period.
func (h *processHandler) Close() error {
	h.once.Do(func() {
		select {
		case <-h.exited:
			return
		default:
		}
		h.err = procgroup.StopWithGrace(h.pid, h.exited, h.grace)
	})
	return h.err
}

func newProxy(hostPort string, cfg ProxyConfig) *httputil.ReverseProxy {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	director := func(req *http.Request) {
		req.URL.Scheme = "http"
		req.URL.Host = hostPort
	}
	return &httputil.ReverseProxy{
		Director:     director,
		Transport:    transport,
		ErrorHandler: unavailable,
	}
}

func unavailable(w http.ResponseWriter, r *http.Request, err error) {
	logger.Warn(r.Context(), "unit upstream failed", zap.String("path", r.URL.Path), zap.Error(err))
	resp := response.Response{
		Code:    appErr.ServiceUnavailable,
		Message: appErr.ServiceUnavailable.Message(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.ServiceUnavailable.HTTPStatus())
	_ = json.NewEncoder(w).Encode(resp)
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
