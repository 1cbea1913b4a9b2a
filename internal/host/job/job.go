// Package job holds the in-memory record of unit executions.
package job

import (
	"sync"
	"time"

	"unithost/internal/host/output"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusRunning    Status = "Running"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusTerminated Status = "Terminated"
)

// Active reports whether the status blocks another start of the same unit.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Requester identifies who asked for a job and where replies go.
type Requester struct {
	ChatID string `json:"chat_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// Info is a read-only snapshot of a job.
type Info struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid,omitempty"`
	Lines     int       `json:"lines"`
	Requester Requester `json:"requester"`
}

// Process is the running child attached to a job.
type Process interface {
	PID() int
	// Stop asks the process group to exit and returns without waiting.
	Stop() error
}

// Job is one execution of a unit.
type Job struct {
	Name      string
	RunID     string
	StartedAt time.Time
	Requester Requester
	Output    *output.Buffer

	// deliverMu orders notifications against Terminate.
	deliverMu  sync.Mutex
	mu         sync.Mutex
	status     Status
	proc       Process
	terminated bool
}

// New creates a Pending job.
func New(name string, requester Requester, buf *output.Buffer) *Job {
	return &Job{
		Name:      name,
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Requester: requester,
		Output:    buf,
		status:    StatusPending,
	}
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Terminated reports whether Terminate has been called.
func (j *Job) Terminated() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.terminated
}

// MarkRunning attaches the spawned process. It returns false when the job was
// terminated before the process was attached; the caller must then stop the
// process itself.
func (j *Job) MarkRunning(p Process) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminated {
		return false
	}
	j.status = StatusRunning
	j.proc = p
	return true
}

// Terminate marks an active job Terminated and returns its process, nil while
// still Pending. ok is false if the job was not active. Once Terminate returns
// no further Deliver call runs its callback.
func (j *Job) Terminate() (p Process, ok bool) {
	j.deliverMu.Lock()
	defer j.deliverMu.Unlock()
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.Active() || j.terminated {
		return nil, false
	}
	j.terminated = true
	j.status = StatusTerminated
	return j.proc, true
}

// Deliver runs fn unless the job has been terminated. fn must not stop the
// same job.
func (j *Job) Deliver(fn func()) bool {
	j.deliverMu.Lock()
	defer j.deliverMu.Unlock()
	if j.Terminated() {
		return false
	}
	fn()
	return true
}

// Finish sets the final status unless the job was terminated.
func (j *Job) Finish(status Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminated {
		return false
	}
	j.status = status
	return true
}

// Info returns a snapshot.
func (j *Job) Info() Info {
	j.mu.Lock()
	info := Info{
		Name:      j.Name,
		RunID:     j.RunID,
		Status:    j.status,
		StartedAt: j.StartedAt,
		Requester: j.Requester,
	}
	if j.proc != nil {
		info.PID = j.proc.PID()
	}
	j.mu.Unlock()
	if j.Output != nil {
		info.Lines = j.Output.Lines()
	}
	return info
}
