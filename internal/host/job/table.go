package job

import (
	"sort"
	"sync"
)

// Table maps unit names to their current job.
type Table struct {
	jobs sync.Map // name -> *Job
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Claim inserts j unless an active job with the same name exists. Exactly one
// of several concurrent claims for a name wins; a finished record is replaced.
// On rejection the active job is returned.
func (t *Table) Claim(j *Job) (*Job, bool) {
	for {
		actual, loaded := t.jobs.LoadOrStore(j.Name, j)
		if !loaded {
			return j, true
		}
		existing := actual.(*Job)
		if existing.Status().Active() {
			return existing, false
		}
		if t.jobs.CompareAndSwap(j.Name, existing, j) {
			return j, true
		}
	}
}

// Get returns the job stored under name.
func (t *Table) Get(name string) (*Job, bool) {
	v, ok := t.jobs.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Job), true
}

// Remove deletes j only if it is still the record stored under its name.
func (t *Table) Remove(j *Job) bool {
	return t.jobs.CompareAndDelete(j.Name, j)
}

// List returns snapshots of all jobs ordered by name.
func (t *Table) List() []Info {
	var out []Info
	t.jobs.Range(func(_, v any) bool {
		out = append(out, v.(*Job).Info())
		return true
	})
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Active returns the jobs that are Pending or Running.
func (t *Table) Active() []*Job {
	var out []*Job
	t.jobs.Range(func(_, v any) bool {
		j := v.(*Job)
		if j.Status().Active() {
			out = append(out, j)
		}
		return true
	})
	return out
}

// Count returns the number of active jobs.
func (t *Table) Count() int {
	n := 0
	t.jobs.Range(func(_, v any) bool {
		if v.(*Job).Status().Active() {
			n++
		}
		return true
	})
	return n
}
