// Package supervisor runs units as child processes and tracks them in a job table.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"unithost/internal/host/job"
	"unithost/internal/host/output"
	"unithost/internal/host/procgroup"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/contextkey"
	"unithost/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultProgressEvery = 10
	defaultStopGrace     = 5 * time.Second
)

// Resolver prepares the dependencies of a unit before it is spawned.
type Resolver interface {
	Resolve(ctx context.Context, unitPath string) ([]string, error)
}

// Unit is a runnable source file.
type Unit struct {
	Name string
	Path string
}

// Progress is a liveness signal emitted while a unit prints output.
type Progress struct {
	Name  string
	Lines int
}

// Result describes a finished run.
type Result struct {
	Name     string
	RunID    string
	Status   job.Status
	ExitCode int
	Output   string
	Errors   string
	Lines    int
	Duration time.Duration
	Err      error
}

// Transition is reported to the observer on every status change.
type Transition struct {
	Name      string
	RunID     string
	Status    job.Status
	Requester job.Requester
	At        time.Time
}

// StartRequest asks the supervisor to run a unit.
type StartRequest struct {
	Unit       Unit
	Requester  job.Requester
	OnOutput   func(Progress)
	OnComplete func(Result)
}

// Config holds supervisor settings.
type Config struct {
	// Interpreters maps a file extension to a command template, e.g. ".py": "python3 -u".
	Interpreters  map[string]string
	WorkDir       string
	Env           []string
	ProgressEvery int
	StopGrace     time.Duration
	Output        output.Config
	Resolver      Resolver
	Observer      func(Transition)
}

// Supervisor owns the job table. It is the only writer of job records.
type Supervisor struct {
	cfg          Config
	interpreters interpreterTable
	jobs         *job.Table
	wg           sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config) (*Supervisor, error) {
	interpreters, err := parseInterpreters(cfg.Interpreters)
	if err != nil {
		return nil, err
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Supervisor{
		cfg:          cfg,
		interpreters: interpreters,
		jobs:         job.NewTable(),
	}, nil
}

// Start records a Pending job and runs it in the background.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (job.Info, error) {
	if req.Unit.Name == "" || req.Unit.Path == "" {
		return job.Info{}, appErr.ValidationError("unit", "name and path are required")
	}
	j := job.New(req.Unit.Name, req.Requester, output.New(s.cfg.Output))
	if existing, ok := s.jobs.Claim(j); !ok {
		return existing.Info(), appErr.Newf(appErr.AlreadyRunning, "%s is already running", req.Unit.Name)
	}
	s.observe(j, job.StatusPending)

	runCtx := context.WithValue(context.WithoutCancel(ctx), contextkey.Unit, req.Unit.Name)
	logger.Info(runCtx, "job accepted", zap.String("run_id", j.RunID), zap.String("path", req.Unit.Path))

	s.wg.Add(1)
	go s.run(runCtx, j, req)
	return j.Info(), nil
}

// Stop terminates the active job of name and returns without waiting for
// the process to exit. No notification of that run is delivered afterwards.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	j, ok := s.jobs.Get(name)
	if !ok {
		return appErr.Newf(appErr.JobNotFound, "%s is not running", name)
	}
	proc, ok := j.Terminate()
	if !ok {
		return appErr.Newf(appErr.JobNotFound, "%s is not running", name)
	}
	s.jobs.Remove(j)
	s.observe(j, job.StatusTerminated)

	ctx = context.WithValue(ctx, contextkey.Unit, name)
	if proc == nil {
		logger.Info(ctx, "pending job terminated", zap.String("run_id", j.RunID))
		return nil
	}
	if err := proc.Stop(); err != nil {
		logger.Warn(ctx, "signal job failed", zap.Int("pid", proc.PID()), zap.Error(err))
	}
	logger.Info(ctx, "job terminated", zap.String("run_id", j.RunID), zap.Int("pid", proc.PID()))
	return nil
}

// StopAll terminates every active job and returns how many were stopped.
func (s *Supervisor) StopAll(ctx context.Context) int {
	stopped := 0
	for _, j := range s.jobs.Active() {
		if err := s.Stop(ctx, j.Name); err == nil {
			stopped++
		}
	}
	return stopped
}

// Get returns a snapshot of the job stored under name.
func (s *Supervisor) Get(name string) (job.Info, bool) {
	j, ok := s.jobs.Get(name)
	if !ok {
		return job.Info{}, false
	}
	return j.Info(), true
}

// Tail returns the retained output of the job stored under name.
func (s *Supervisor) Tail(name string) (output.Tail, bool) {
	j, ok := s.jobs.Get(name)
	if !ok {
		return output.Tail{}, false
	}
	return j.Output.Tail(), true
}

// List returns snapshots of all jobs.
func (s *Supervisor) List() []job.Info {
	return s.jobs.List()
}

// Count returns the number of active jobs.
func (s *Supervisor) Count() int {
	return s.jobs.Count()
}

// Wait blocks until every run goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, j *job.Job, req StartRequest) {
	defer s.wg.Done()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "job panicked", zap.Any("panic", r))
			s.finish(ctx, j, req, start, job.StatusFailed, -1,
				appErr.Newf(appErr.ProcessRuntimeFailure, "internal error: %v", r))
		}
	}()

	if s.cfg.Resolver != nil {
		installed, err := s.cfg.Resolver.Resolve(ctx, req.Unit.Path)
		if err != nil {
			logger.Warn(ctx, "resolve dependencies failed", zap.Error(err))
		} else if len(installed) > 0 {
			logger.Info(ctx, "dependencies installed", zap.Strings("packages", installed))
		}
	}
	if j.Terminated() {
		return
	}

	argv, err := s.interpreters.command(req.Unit.Path)
	if err != nil {
		s.finish(ctx, j, req, start, job.StatusFailed, -1, err)
		return
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cfg.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(req.Unit.Path)
	}
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	procgroup.Prepare(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.finish(ctx, j, req, start, job.StatusFailed, -1, appErr.Wrapf(err, appErr.SpawnError, "open stdout: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.finish(ctx, j, req, start, job.StatusFailed, -1, appErr.Wrapf(err, appErr.SpawnError, "open stderr: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		s.finish(ctx, j, req, start, job.StatusFailed, -1, appErr.Wrapf(err, appErr.SpawnError, "start %s: %v", req.Unit.Name, err))
		return
	}

	proc := &process{pid: cmd.Process.Pid, exited: make(chan struct{}), grace: s.cfg.StopGrace}
	if !j.MarkRunning(proc) {
		// Stopped while spawning.
		_ = procgroup.Kill(proc.pid)
	} else {
		s.observe(j, job.StatusRunning)
		logger.Info(ctx, "job running", zap.Int("pid", proc.pid), zap.Strings("argv", argv))
	}

	var trigger atomic.Int64
	signal := make(chan struct{}, 1)
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		for range signal {
			lines := int(trigger.Load())
			if req.OnOutput == nil {
				continue
			}
			j.Deliver(func() {
				safeCall(ctx, "progress callback", func() { req.OnOutput(Progress{Name: j.Name, Lines: lines}) })
			})
		}
	}()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		err := readLines(stdout, func(line string) {
			n := j.Output.AppendLine(line)
			if n%s.cfg.ProgressEvery == 0 {
				trigger.Store(int64(n))
				select {
				case signal <- struct{}{}:
				default:
				}
			}
		})
		if err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Debug(ctx, "stdout read ended", zap.Error(err))
		}
	}()
	go func() {
		defer streams.Done()
		if _, err := io.Copy(j.Output, stderr); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Debug(ctx, "stderr read ended", zap.Error(err))
		}
	}()
	streams.Wait()

	waitErr := cmd.Wait()
	close(proc.exited)
	close(signal)
	<-notifierDone

	exitCode := exitCodeFromErr(waitErr, cmd.ProcessState)
	if exitCode == 0 && waitErr == nil {
		s.finish(ctx, j, req, start, job.StatusCompleted, 0, nil)
		return
	}
	s.finish(ctx, j, req, start, job.StatusFailed, exitCode,
		appErr.Newf(appErr.ProcessRuntimeFailure, "%s exited with code %d", req.Unit.Name, exitCode))
}

func (s *Supervisor) finish(ctx context.Context, j *job.Job, req StartRequest, start time.Time, status job.Status, exitCode int, cause error) {
	if !j.Finish(status) {
		logger.Info(ctx, "terminated job exited", zap.String("run_id", j.RunID))
		return
	}
	tail := j.Output.Tail()
	errText := tail.Stderr
	if cause != nil && (appErr.Is(cause, appErr.SpawnError) || appErr.Is(cause, appErr.UnsupportedUnit) || errText == "") {
		errText = strings.TrimSpace(errText + "\n" + cause.Error())
	}
	result := Result{
		Name:     j.Name,
		RunID:    j.RunID,
		Status:   status,
		ExitCode: exitCode,
		Output:   tail.Stdout,
		Errors:   errText,
		Lines:    tail.Lines,
		Duration: time.Since(start),
		Err:      cause,
	}
	s.observe(j, status)
	logger.Info(ctx, "job finished",
		zap.String("run_id", j.RunID),
		zap.String("status", string(status)),
		zap.Int("exit_code", exitCode),
		zap.Int("lines", tail.Lines),
		zap.Duration("duration", result.Duration),
	)
	if req.OnComplete != nil {
		safeCall(ctx, "completion callback", func() { req.OnComplete(result) })
	}
	s.jobs.Remove(j)
}

func (s *Supervisor) observe(j *job.Job, status job.Status) {
	if s.cfg.Observer == nil {
		return
	}
	s.cfg.Observer(Transition{
		Name:      j.Name,
		RunID:     j.RunID,
		Status:    status,
		Requester: j.Requester,
		At:        time.Now(),
	})
}

func safeCall(ctx context.Context, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, what+" panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type process struct {
	pid    int
	exited chan struct{}
	grace  time.Duration
}

func (p *process) PID() int {
	return p.pid
}

// Stop sends SIGTERM now and escalates to SIGKILL in the background.
func (p *process) Stop() error {
	if err := procgroup.Terminate(p.pid); err != nil {
		return fmt.Errorf("terminate process group %d: %w", p.pid, err)
	}
	go func() {
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			_ = procgroup.Kill(p.pid)
		}
	}()
	return nil
}
