package job_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"unithost/internal/host/job"
	"unithost/internal/host/output"
)

func newJob(name string) *job.Job {
	return job.New(name, job.Requester{ChatID: "1"}, output.New(output.Config{}))
}

func TestClaimRejectsActiveJob(t *testing.T) {
	table := job.NewTable()
	first := newJob("bot.py")
	if _, ok := table.Claim(first); !ok {
		t.Fatalf("expected first claim to win")
	}
	existing, ok := table.Claim(newJob("bot.py"))
	if ok {
		t.Fatalf("expected second claim to be rejected")
	}
	if existing != first {
		t.Fatalf("expected existing job to be returned")
	}
}

func TestClaimReplacesFinishedJob(t *testing.T) {
	table := job.NewTable()
	first := newJob("bot.py")
	table.Claim(first)
	first.Finish(job.StatusCompleted)

	second := newJob("bot.py")
	if _, ok := table.Claim(second); !ok {
		t.Fatalf("expected claim over finished job to win")
	}
	if table.Remove(first) {
		t.Fatalf("stale job must not remove the newer record")
	}
	got, ok := table.Get("bot.py")
	if !ok || got != second {
		t.Fatalf("expected second job to stay in the table")
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	table := job.NewTable()
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := table.Claim(newJob("race.py")); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if table.Count() != 1 {
		t.Fatalf("expected one active job, got %d", table.Count())
	}
}

func TestTerminateBeforeRunning(t *testing.T) {
	j := newJob("slow.py")
	signal, ok := j.Terminate()
	if !ok {
		t.Fatalf("expected pending job to be terminable")
	}
	if signal != nil {
		t.Fatalf("pending job has no process to signal")
	}
	if j.MarkRunning(fakeProcess{pid: 123}) {
		t.Fatalf("terminated job must not become running")
	}
	if j.Finish(job.StatusCompleted) {
		t.Fatalf("terminated job must keep its status")
	}
	if j.Status() != job.StatusTerminated {
		t.Fatalf("unexpected status: %s", j.Status())
	}
	if _, ok := j.Terminate(); ok {
		t.Fatalf("second terminate must be rejected")
	}
}

func TestDeliverStopsAfterTerminate(t *testing.T) {
	j := newJob("chatty.py")
	if !j.MarkRunning(fakeProcess{pid: 7}) {
		t.Fatalf("expected job to become running")
	}
	calls := 0
	if !j.Deliver(func() { calls++ }) {
		t.Fatalf("expected delivery while running")
	}
	p, ok := j.Terminate()
	if !ok || p.PID() != 7 {
		t.Fatalf("expected running process on terminate")
	}
	if j.Deliver(func() { calls++ }) {
		t.Fatalf("expected no delivery after terminate")
	}
	if calls != 1 {
		t.Fatalf("unexpected delivery count: %d", calls)
	}
	if j.Info().PID != 7 {
		t.Fatalf("unexpected pid in info: %d", j.Info().PID)
	}
}

func TestListIsSorted(t *testing.T) {
	table := job.NewTable()
	table.Claim(newJob("b.py"))
	table.Claim(newJob("a.py"))
	list := table.List()
	if len(list) != 2 || list[0].Name != "a.py" || list[1].Name != "b.py" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].Status != job.StatusPending {
		t.Fatalf("unexpected status: %s", list[0].Status)
	}
}

type fakeProcess struct {
	pid int
}

func (p fakeProcess) PID() int    { return p.pid }
func (p fakeProcess) Stop() error { return nil }
