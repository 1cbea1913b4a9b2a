// Package command is the trigger surface of the host: it turns start, stop,
// mount and maintenance requests into supervisor, registry and store calls and
// reports the outcome as text.
package command

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"unithost/internal/events"
	"unithost/internal/host/deps"
	"unithost/internal/host/job"
	"unithost/internal/host/loader"
	"unithost/internal/host/mount"
	"unithost/internal/host/supervisor"
	"unithost/internal/unitstore"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/contextkey"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

// Jobs is the supervisor surface the service drives.
type Jobs interface {
	Start(ctx context.Context, req supervisor.StartRequest) (job.Info, error)
	Stop(ctx context.Context, name string) error
	StopAll(ctx context.Context) int
	Get(name string) (job.Info, bool)
	List() []job.Info
	Count() int
}

// Mounts is the registry surface the service drives.
type Mounts interface {
	Add(ctx context.Context, unit loader.Unit, prefix, ownerID string) (mount.Info, error)
	Remove(ctx context.Context, name, requesterID string, privileged bool) (mount.Info, error)
	ClearAll(ctx context.Context) int
	List(requesterID string, privileged bool) []mount.Info
	Count() int
}

// Units is the unit storage surface.
type Units interface {
	List() ([]unitstore.UnitFile, error)
	Count() int
	ResolvePath(name string) (string, error)
	Save(ctx context.Context, name string, r io.Reader) (unitstore.UnitFile, error)
	Remove(ctx context.Context, name string) error
	RemoveAll(ctx context.Context) (int, error)
}

// Packages installs interpreter packages.
type Packages interface {
	Install(ctx context.Context, requirements []string) (deps.InstallResult, error)
	Count(ctx context.Context) int
}

// Importer fetches units from object storage.
type Importer interface {
	Import(ctx context.Context, key string) (unitstore.UnitFile, error)
	Available(ctx context.Context) ([]string, error)
}

// Config holds service settings.
type Config struct {
	AdminID     string `yaml:"adminID" toml:"adminID"`
	ExternalURL string `yaml:"externalURL" toml:"externalURL"`
	// Entrypoint is the variable name a mountable unit must define.
	Entrypoint string `yaml:"entrypoint" toml:"entrypoint"`
}

// Deps groups the collaborators of a Service. Packages, Importer and
// Publisher are optional.
type Deps struct {
	Jobs      Jobs
	Mounts    Mounts
	Units     Units
	Packages  Packages
	Importer  Importer
	Publisher events.Publisher
}

// Service executes host commands on behalf of a requester.
type Service struct {
	cfg       Config
	baseURL   string
	jobs      Jobs
	mounts    Mounts
	units     Units
	packages  Packages
	importer  Importer
	publisher events.Publisher
	webApp    *regexp.Regexp
}

// StartOutcome is returned by RequestStart.
type StartOutcome struct {
	Job job.Info `json:"job"`
	// Warning is set when the unit looks like a web service that should be mounted instead.
	Warning string `json:"warning,omitempty"`
}

// MountOutcome is returned by RequestMount.
type MountOutcome struct {
	Mount mount.Info `json:"mount"`
	URL   string     `json:"url"`
}

// Status summarizes the host.
type Status struct {
	FileCount        int          `json:"file_count"`
	ActiveJobCount   int          `json:"active_job_count"`
	ActiveMountCount int          `json:"active_mount_count"`
	PackageCount     int          `json:"package_count"`
	Mounts           []mount.Info `json:"mounts"`
}

// ClearReport counts what ClearAll removed.
type ClearReport struct {
	Jobs   int `json:"jobs"`
	Mounts int `json:"mounts"`
	Units  int `json:"units"`
}

// NewService creates a service.
func NewService(cfg Config, d Deps) *Service {
	if cfg.Entrypoint == "" {
		cfg.Entrypoint = "app"
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return &Service{
		cfg:       cfg,
		baseURL:   BaseURL(cfg.ExternalURL),
		jobs:      d.Jobs,
		mounts:    d.Mounts,
		units:     d.Units,
		packages:  d.Packages,
		importer:  d.Importer,
		publisher: d.Publisher,
		webApp:    regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(cfg.Entrypoint) + `\s*=`),
	}
}

// IsAdmin reports whether userID is the configured administrator.
func (s *Service) IsAdmin(userID string) bool {
	return s.cfg.AdminID != "" && userID == s.cfg.AdminID
}

// RequestStart runs a stored unit. Progress and the final result are sent to reply.
func (s *Service) RequestStart(ctx context.Context, name string, from job.Requester, reply ReplyChannel) (StartOutcome, error) {
	ctx = withRequester(ctx, from)
	path, err := s.units.ResolvePath(name)
	if err != nil {
		return StartOutcome{}, err
	}
	// Callbacks outlive the request that started the run.
	cbCtx := context.WithoutCancel(ctx)
	info, err := s.jobs.Start(ctx, supervisor.StartRequest{
		Unit:      supervisor.Unit{Name: name, Path: path},
		Requester: from,
		OnOutput: func(p supervisor.Progress) {
			send(cbCtx, reply, progressText(p))
		},
		OnComplete: func(r supervisor.Result) {
			send(cbCtx, reply, resultText(r))
		},
	})
	if err != nil {
		return StartOutcome{}, err
	}
	s.logAction(ctx, "run", name)

	out := StartOutcome{Job: info}
	if s.looksLikeWebApp(path) {
		out.Warning = "this unit looks like a web service, use host instead of run"
	}
	return out, nil
}

// RequestStop terminates a running unit.
func (s *Service) RequestStop(ctx context.Context, name string, from job.Requester) error {
	ctx = withRequester(ctx, from)
	if err := s.jobs.Stop(ctx, name); err != nil {
		return err
	}
	s.logAction(ctx, "stop", name)
	return nil
}

// RequestMount hosts a stored unit under the requester's path.
func (s *Service) RequestMount(ctx context.Context, name, requesterID string) (MountOutcome, error) {
	ctx = context.WithValue(ctx, contextkey.UserID, requesterID)
	if err := mount.ValidateOwnerID(requesterID); err != nil {
		return MountOutcome{}, err
	}
	path, err := s.units.ResolvePath(name)
	if err != nil {
		return MountOutcome{}, err
	}
	if filepath.Ext(name) != ".py" {
		return MountOutcome{}, appErr.Newf(appErr.UnsupportedUnit, "only .py units can be hosted")
	}
	prefix, err := mount.PathFor(requesterID, name)
	if err != nil {
		return MountOutcome{}, err
	}
	info, err := s.mounts.Add(ctx, loader.Unit{Name: name, Path: path}, prefix, requesterID)
	if err != nil {
		return MountOutcome{}, err
	}
	s.logAction(ctx, "host", name+" at "+info.Prefix)
	events.Emit(ctx, s.publisher, events.Event{Type: events.MountAdded, Unit: name, UserID: requesterID, Prefix: info.Prefix})
	return MountOutcome{Mount: info, URL: s.MountURL(info.Prefix)}, nil
}

// RequestUnmount stops hosting a unit. Only its owner or a privileged requester may.
func (s *Service) RequestUnmount(ctx context.Context, name, requesterID string, privileged bool) (mount.Info, error) {
	ctx = context.WithValue(ctx, contextkey.UserID, requesterID)
	info, err := s.mounts.Remove(ctx, name, requesterID, privileged)
	if err != nil {
		return mount.Info{}, err
	}
	s.logAction(ctx, "unhost", name)
	events.Emit(ctx, s.publisher, events.Event{Type: events.MountRemoved, Unit: name, UserID: requesterID, Prefix: info.Prefix})
	return info, nil
}

// RequestStatus summarizes stored units, active jobs, mounts and packages.
func (s *Service) RequestStatus(ctx context.Context) Status {
	st := Status{
		FileCount:        s.units.Count(),
		ActiveJobCount:   s.jobs.Count(),
		ActiveMountCount: s.mounts.Count(),
		Mounts:           s.mounts.List("", true),
	}
	if s.packages != nil {
		st.PackageCount = s.packages.Count(ctx)
	}
	return st
}

// ListUnits returns the stored units.
func (s *Service) ListUnits() ([]unitstore.UnitFile, error) {
	return s.units.List()
}

// SaveUnit stores an uploaded unit, replacing a previous version. Running
// jobs and mounts keep the old code until restarted.
func (s *Service) SaveUnit(ctx context.Context, requesterID, name string, r io.Reader) (unitstore.UnitFile, error) {
	ctx = context.WithValue(ctx, contextkey.UserID, requesterID)
	unit, err := s.units.Save(ctx, name, r)
	if err != nil {
		return unitstore.UnitFile{}, err
	}
	s.logAction(ctx, "upload", name)
	events.Emit(ctx, s.publisher, events.Event{Type: events.UnitSaved, Unit: name, UserID: requesterID,
		Detail: map[string]string{"size_bytes": strconv.FormatInt(unit.SizeBytes, 10)}})
	return unit, nil
}

// GetJob returns the job of a unit if one is active.
func (s *Service) GetJob(name string) (job.Info, bool) {
	return s.jobs.Get(name)
}

// ListJobs returns the current jobs.
func (s *Service) ListJobs() []job.Info {
	return s.jobs.List()
}

// ListMounts returns the mounts visible to requesterID.
func (s *Service) ListMounts(requesterID string) []mount.Info {
	return s.mounts.List(requesterID, s.IsAdmin(requesterID))
}

// DeleteUnit unmounts and stops a unit, then removes its file.
func (s *Service) DeleteUnit(ctx context.Context, name, requesterID string) error {
	ctx = context.WithValue(ctx, contextkey.UserID, requesterID)
	if _, err := s.units.ResolvePath(name); err != nil {
		return err
	}
	if info, err := s.mounts.Remove(ctx, name, requesterID, s.IsAdmin(requesterID)); err == nil {
		events.Emit(ctx, s.publisher, events.Event{Type: events.MountRemoved, Unit: name, UserID: requesterID, Prefix: info.Prefix})
	} else if !appErr.Is(err, appErr.MountNotFound) {
		return err
	}
	if err := s.jobs.Stop(ctx, name); err != nil && !appErr.Is(err, appErr.JobNotFound) {
		return err
	}
	if err := s.units.Remove(ctx, name); err != nil {
		return err
	}
	s.logAction(ctx, "delete", name)
	events.Emit(ctx, s.publisher, events.Event{Type: events.UnitDeleted, Unit: name, UserID: requesterID})
	return nil
}

// ClearAll stops every job, removes every mount and deletes every unit.
func (s *Service) ClearAll(ctx context.Context, requesterID string) (ClearReport, error) {
	ctx = context.WithValue(ctx, contextkey.UserID, requesterID)
	if !s.IsAdmin(requesterID) {
		return ClearReport{}, appErr.ForbiddenError("admin only")
	}
	report := ClearReport{
		Jobs:   s.jobs.StopAll(ctx),
		Mounts: s.mounts.ClearAll(ctx),
	}
	n, err := s.units.RemoveAll(ctx)
	report.Units = n
	s.logAction(ctx, "clear", "")
	events.Emit(ctx, s.publisher, events.Event{Type: events.MountCleared, UserID: requesterID, Count: report.Mounts})
	return report, err
}

// Install installs interpreter packages.
func (s *Service) Install(ctx context.Context, requesterID string, requirements []string) (deps.InstallResult, error) {
	if s.packages == nil {
		return deps.InstallResult{}, appErr.New(appErr.ServiceUnavailable).WithMessage("package installs are disabled")
	}
	ctx = context.WithValue(ctx, contextkey.UserID, requesterID)
	res, err := s.packages.Install(ctx, requirements)
	if err == nil {
		s.logAction(ctx, "install", strings.Join(requirements, " "))
	}
	return res, err
}

// Import copies a unit from object storage into the store.
func (s *Service) Import(ctx context.Context, requesterID, key string) (unitstore.UnitFile, error) {
	if s.importer == nil {
		return unitstore.UnitFile{}, appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	ctx = context.WithValue(ctx, contextkey.UserID, requesterID)
	unit, err := s.importer.Import(ctx, key)
	if err == nil {
		s.logAction(ctx, "import", key)
	}
	return unit, err
}

// Importable lists the object keys Import accepts.
func (s *Service) Importable(ctx context.Context) ([]string, error) {
	if s.importer == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	return s.importer.Available(ctx)
}

// MountURL returns the public URL of a mount prefix.
func (s *Service) MountURL(prefix string) string {
	return s.baseURL + prefix + "/"
}

func (s *Service) looksLikeWebApp(path string) bool {
	src, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return s.webApp.Match(src) && strings.Contains(string(src), ".run(")
}

func (s *Service) logAction(ctx context.Context, action, details string) {
	logger.Info(ctx, "user action", zap.String("action", action), zap.String("details", details))
}

// BaseURL turns the configured external host into a URL without a trailing
// slash. Local hosts are served over http, public hostnames over https.
func BaseURL(external string) string {
	external = strings.TrimRight(strings.TrimSpace(external), "/")
	if external == "" {
		return "http://localhost"
	}
	if strings.Contains(external, "://") {
		return external
	}
	host := external
	if h, _, err := net.SplitHostPort(external); err == nil {
		host = h
	}
	if isLocalHost(host) {
		return "http://" + external
	}
	return "https://" + external
}

func isLocalHost(host string) bool {
	if host == "localhost" || !strings.Contains(host, ".") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified())
}

func withRequester(ctx context.Context, from job.Requester) context.Context {
	if from.UserID != "" {
		ctx = context.WithValue(ctx, contextkey.UserID, from.UserID)
	}
	if from.ChatID != "" {
		ctx = context.WithValue(ctx, contextkey.ChatID, from.ChatID)
	}
	return ctx
}

// JobObserver publishes job lifecycle events for supervisor transitions.
func JobObserver(p events.Publisher) func(supervisor.Transition) {
	return func(tr supervisor.Transition) {
		var typ events.Type
		switch tr.Status {
		case job.StatusRunning:
			typ = events.JobStarted
		case job.StatusCompleted, job.StatusFailed:
			typ = events.JobFinished
		case job.StatusTerminated:
			typ = events.JobStopped
		default:
			return
		}
		ctx := context.WithValue(context.Background(), contextkey.Unit, tr.Name)
		events.Emit(ctx, p, events.Event{
			Type:      typ,
			Unit:      tr.Name,
			RunID:     tr.RunID,
			UserID:    tr.Requester.UserID,
			ChatID:    tr.Requester.ChatID,
			Status:    string(tr.Status),
			CreatedAt: tr.At.Unix(),
		})
	}
}
