// Package deps installs the third-party Python packages units import.
package deps

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"unithost/internal/host/output"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPython         = "python3"
	defaultInstallTimeout = 5 * time.Minute
	installTailBytes      = 1000
)

// DefaultAliases maps import names to the pip distribution that provides them.
var DefaultAliases = map[string]string{
	"telebot": "pyTelegramBotAPI",
	"cv2":     "opencv-python",
	"PIL":     "pillow",
	"yaml":    "pyyaml",
	"bs4":     "beautifulsoup4",
	"sklearn": "scikit-learn",
	"dotenv":  "python-dotenv",
}

// Config configures the resolver.
type Config struct {
	Enabled        bool              `yaml:"enabled" toml:"enabled"`
	Python         string            `yaml:"python" toml:"python"`
	ExtraArgs      []string          `yaml:"extraArgs" toml:"extraArgs"`
	InstallTimeout time.Duration     `yaml:"installTimeout" toml:"installTimeout"`
	Builtins       []string          `yaml:"builtins" toml:"builtins"`
	Aliases        map[string]string `yaml:"aliases" toml:"aliases"`
}

// Runner executes a command and returns its output.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// InstallResult is the outcome of an explicit install.
type InstallResult struct {
	Packages []string `json:"packages"`
	Output   string   `json:"output"`
	Errors   string   `json:"errors,omitempty"`
}

// Resolver installs missing packages with pip. Installs are serialized.
type Resolver struct {
	cfg      Config
	set      InstalledSet
	runner   Runner
	builtins map[string]struct{}
	mu       sync.Mutex
}

// NewResolver creates a resolver. A nil runner runs real commands.
func NewResolver(cfg Config, set InstalledSet, runner Runner) *Resolver {
	if cfg.Python == "" {
		cfg.Python = defaultPython
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = defaultInstallTimeout
	}
	if cfg.Builtins == nil {
		cfg.Builtins = DefaultBuiltins
	}
	if cfg.Aliases == nil {
		cfg.Aliases = DefaultAliases
	}
	if set == nil {
		set = NewMemorySet()
	}
	if runner == nil {
		runner = execRunner{}
	}
	builtins := make(map[string]struct{}, len(cfg.Builtins))
	for _, b := range cfg.Builtins {
		builtins[b] = struct{}{}
	}
	return &Resolver{cfg: cfg, set: set, runner: runner, builtins: builtins}
}

// Resolve installs the packages imported by the unit at path that are not yet
// installed. Individual install failures are logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, unitPath string) ([]string, error) {
	if !strings.HasSuffix(unitPath, ".py") {
		return nil, nil
	}
	src, err := os.ReadFile(unitPath)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.UnitNotFound, "read unit failed: %v", err)
	}

	var installed []string
	for _, module := range Imports(src) {
		if _, ok := r.builtins[module]; ok {
			continue
		}
		pkg := module
		if alias, ok := r.cfg.Aliases[module]; ok {
			pkg = alias
		}
		name := BaseName(pkg)
		has, err := r.set.Has(ctx, name)
		if err != nil {
			logger.Warn(ctx, "check installed set failed", zap.String("package", name), zap.Error(err))
		}
		if has {
			continue
		}
		if _, err := r.pipInstall(ctx, []string{pkg}); err != nil {
			logger.Warn(ctx, "install package failed", zap.String("package", pkg), zap.Error(err))
			continue
		}
		installed = append(installed, name)
	}
	return installed, nil
}

// Install installs the given requirements explicitly.
func (r *Resolver) Install(ctx context.Context, requirements []string) (InstallResult, error) {
	if len(requirements) == 0 {
		return InstallResult{}, appErr.Newf(appErr.MissingArgs, "no package specified")
	}
	for _, req := range requirements {
		if strings.HasPrefix(req, "-") {
			return InstallResult{}, appErr.Newf(appErr.InvalidValue, "pip options are not allowed: %s", req)
		}
	}
	return r.pipInstall(ctx, requirements)
}

// Installed returns the recorded packages.
func (r *Resolver) Installed(ctx context.Context) ([]string, error) {
	return r.set.List(ctx)
}

// Count returns the number of recorded packages, 0 when the set is unavailable.
func (r *Resolver) Count(ctx context.Context) int {
	n, err := r.set.Count(ctx)
	if err != nil {
		logger.Warn(ctx, "count installed packages failed", zap.Error(err))
		return 0
	}
	return n
}

func (r *Resolver) pipInstall(ctx context.Context, requirements []string) (InstallResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.InstallTimeout)
	defer cancel()

	args := append([]string{"-m", "pip", "install"}, r.cfg.ExtraArgs...)
	args = append(args, requirements...)
	stdout, stderr, err := r.runner.Run(ctx, r.cfg.Python, args)

	result := InstallResult{
		Packages: requirements,
		Output:   output.TrimTail(strings.TrimSpace(string(stdout)), installTailBytes),
	}
	if errText := significantStderr(string(stderr)); errText != "" {
		result.Errors = output.TrimTail(errText, installTailBytes)
	}
	if err != nil {
		msg := result.Errors
		if msg == "" {
			msg = err.Error()
		}
		return result, appErr.Wrapf(err, appErr.InstallFailed, "pip install %s failed: %s", strings.Join(requirements, " "), msg)
	}

	names := make([]string, 0, len(requirements))
	for _, req := range requirements {
		names = append(names, BaseName(req))
	}
	if err := r.set.Add(ctx, names...); err != nil {
		logger.Warn(ctx, "record installed packages failed", zap.Error(err))
	}
	logger.Info(ctx, "packages installed", zap.Strings("packages", names))
	return result, nil
}

// significantStderr drops pip's WARNING and notice lines.
func significantStderr(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "WARNING") || strings.HasPrefix(trimmed, "[notice]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
