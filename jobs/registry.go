// Package jobs implements the priority-scheduled registry and worker
// engine driving long-running server operations to completion.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jobs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/cmn/debug"
	"github.com/jodogne/orthanc-go/cmn/jsp"
)

// handle is the registry's bookkeeping record for one submitted Job.
type handle struct {
	id   string
	job  Job
	kind string

	state    State
	priority int
	// dependsOn holds the ids this job waits on before leaving the blocked
	// set; every dependency must reach Success first.
	dependsOn []string

	creationTime time.Time
	lastChange   time.Time
	runtime      time.Duration
	retryAt      time.Time

	pauseScheduled  bool
	cancelScheduled bool
	lastErr         error
}

// setState commits a state transition, folding the time spent Running
// since the last transition into the accumulated runtime.
func (h *handle) setState(s State) {
	now := time.Now()
	if h.state == StateRunning {
		h.runtime += now.Sub(h.lastChange)
	}
	h.lastChange = now
	h.state = s
	h.pauseScheduled = false
	h.cancelScheduled = false
}

// Listener receives job lifecycle notifications.
type Listener interface {
	JobSubmitted(id string)
	JobSuccess(id string)
	JobFailure(id string)
}

// Registry tracks every submitted job's state: a pending max-heap, a retry
// set with wake-up deadlines, a blocked set waiting on dependencies, and a
// bounded completed-jobs FIFO. A handle lives in at most one of those
// containers at any time (Running handles are owned by their worker, and
// Paused handles are held only in the id index).
type Registry struct {
	mu sync.Mutex

	byID      map[string]*handle
	pending   pendingQueue
	retry     map[string]*handle
	blocked   map[string]*handle
	completed []*handle // oldest first

	maxCompleted int
	listener     Listener

	wakeup      chan struct{}
	completions chan struct{} // closed and replaced on every completion
}

func NewRegistry(jobsHistorySize int) *Registry {
	return &Registry{
		byID:         make(map[string]*handle),
		retry:        make(map[string]*handle),
		blocked:      make(map[string]*handle),
		maxCompleted: jobsHistorySize,
		wakeup:       make(chan struct{}, 1),
		completions:  make(chan struct{}),
	}
}

func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Registry) signal() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// Wakeup is selected by Engine's workers to learn promptly that a pending
// job might be ready, without polling faster than the configured worker
// wake-up interval.
func (r *Registry) Wakeup() <-chan struct{} { return r.wakeup }

func (r *Registry) notifyCompletion() {
	close(r.completions)
	r.completions = make(chan struct{})
}

// Submit enqueues job at priority, returning its new id. A job with unmet
// dependsOn ids is held in the blocked set until every dependency reaches
// Success.
func (r *Registry) Submit(job Job, priority int, dependsOn []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := cmn.GenUUID()
	now := time.Now()
	h := &handle{
		id: id, job: job, kind: job.Kind(), state: StatePending,
		priority: priority, dependsOn: dependsOn,
		creationTime: now, lastChange: now, retryAt: now,
	}
	r.byID[id] = h

	if r.dependenciesSatisfiedLocked(dependsOn) {
		r.pending.push(h)
		r.signal()
	} else {
		r.blocked[id] = h
	}

	if r.listener != nil {
		r.listener.JobSubmitted(id)
	}
	r.forgetOldLocked()
	return id
}

func (r *Registry) dependenciesSatisfiedLocked(deps []string) bool {
	for _, d := range deps {
		h, ok := r.byID[d]
		if !ok || h.state != StateSuccess {
			return false
		}
	}
	return true
}

func (r *Registry) promoteBlockedLocked() {
	for id, h := range r.blocked {
		if r.dependenciesSatisfiedLocked(h.dependsOn) {
			delete(r.blocked, id)
			r.pending.push(h)
			r.signal()
		}
	}
}

// SubmitAndWait submits job and blocks until it reaches Success (returning
// its public content) or Failure (returning its error).
func (r *Registry) SubmitAndWait(job Job, priority int, dependsOn []string) (interface{}, error) {
	id := r.Submit(job, priority, dependsOn)
	for {
		r.mu.Lock()
		h, ok := r.byID[id]
		if !ok {
			r.mu.Unlock()
			return nil, cmn.NewAppError(cmn.InexistentItem,
				"cannot retrieve the status of the job, make sure JobsHistorySize is not 0")
		}
		switch h.state {
		case StateFailure:
			err := h.lastErr
			r.mu.Unlock()
			if err == nil {
				err = cmn.NewAppError(cmn.InternalError, "job failed")
			}
			return nil, err
		case StateSuccess:
			content := h.job.GetPublicContent()
			r.mu.Unlock()
			return content, nil
		}
		wait := r.completions
		r.mu.Unlock()
		<-wait
	}
}

// AcquireNext pops the highest-priority Pending job and marks it Running,
// or returns ok=false if none is queued right now; the wait between polls
// is the Engine's business.
func (r *Registry) AcquireNext() (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.empty() {
		return nil, false
	}
	h := r.pending.pop()
	h.lastErr = nil
	h.setState(StateRunning)
	return h, true
}

// MarkCompleted transitions a Running handle to Success or Failure.
func (r *Registry) MarkCompleted(h *handle, success bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.Assert(h.state == StateRunning, "mark_completed on non-running job ", h.id)
	if success {
		h.setState(StateSuccess)
	} else {
		h.setState(StateFailure)
		h.lastErr = err
	}
	r.completed = append(r.completed, h)
	if r.listener != nil {
		if success {
			r.listener.JobSuccess(h.id)
		} else {
			r.listener.JobFailure(h.id)
		}
	}
	r.promoteBlockedLocked()
	r.forgetOldLocked()
	r.notifyCompletion()
}

// MarkRetry transitions a Running handle to Retry, to wake up after
// timeout.
func (r *Registry) MarkRetry(h *handle, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.Assert(h.state == StateRunning, "mark_retry on non-running job ", h.id)
	h.setState(StateRetry)
	h.retryAt = time.Now().Add(timeout)
	r.retry[h.id] = h
}

// MarkPaused transitions a Running handle to Paused.
func (r *Registry) MarkPaused(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.Assert(h.state == StateRunning, "mark_paused on non-running job ", h.id)
	h.setState(StatePaused)
}

// ScheduleRetries moves every Retry handle whose deadline has passed back
// to Pending; Engine's retry-sweeper goroutine calls this on every sweep
// interval.
func (r *Registry) ScheduleRetries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, h := range r.retry {
		if !h.retryAt.After(now) {
			delete(r.retry, id)
			h.setState(StatePending)
			r.pending.push(h)
		}
	}
	if !r.pending.empty() {
		r.signal()
	}
}

func (r *Registry) forgetOldLocked() {
	for len(r.completed) > r.maxCompleted {
		h := r.completed[0]
		r.completed = r.completed[1:]
		delete(r.byID, h.id)
	}
}

// Pause schedules a pause for a Running job, or immediately parks a
// Pending/Retry job.
func (r *Registry) Pause(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok {
		return false
	}
	switch h.state {
	case StatePending:
		r.pending.remove(id)
		h.setState(StatePaused)
	case StateRetry:
		delete(r.retry, id)
		h.setState(StatePaused)
	case StateRunning:
		h.pauseScheduled = true
	}
	return true
}

// Cancel schedules a cancel for a Running job, or immediately fails a
// Pending/Retry/Paused job.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok {
		return false
	}
	switch h.state {
	case StatePending:
		r.pending.remove(id)
		r.failCanceledLocked(h)
	case StateRetry:
		delete(r.retry, id)
		r.failCanceledLocked(h)
	case StatePaused:
		r.failCanceledLocked(h)
	case StateRunning:
		h.cancelScheduled = true
	}
	return true
}

func (r *Registry) failCanceledLocked(h *handle) {
	h.setState(StateFailure)
	h.lastErr = cmn.NewAppError(cmn.CanceledJob, h.id)
	r.completed = append(r.completed, h)
	if r.listener != nil {
		r.listener.JobFailure(h.id)
	}
	r.promoteBlockedLocked()
	r.forgetOldLocked()
	r.notifyCompletion()
}

// Resume moves a Paused job back to Pending.
func (r *Registry) Resume(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok || h.state != StatePaused {
		return false
	}
	h.setState(StatePending)
	r.pending.push(h)
	r.signal()
	return true
}

// Resubmit resets a Failure job's progress and moves it back to Pending;
// no other state allows resubmission.
func (r *Registry) Resubmit(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok || h.state != StateFailure {
		return false
	}
	h.job.Reset()
	for i, c := range r.completed {
		if c == h {
			r.completed = append(r.completed[:i], r.completed[i+1:]...)
			break
		}
	}
	h.setState(StatePending)
	r.pending.push(h)
	r.signal()
	return true
}

// SetPriority edits a job's priority, rebuilding the pending heap if it is
// currently queued.
func (r *Registry) SetPriority(id string, priority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok {
		return false
	}
	h.priority = priority
	if h.state == StatePending {
		r.pending.rebuild()
	}
	return true
}

func (r *Registry) GetState(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok {
		return 0, false
	}
	return h.state, true
}

// GetRuntime returns the total wall time the job has spent Running,
// accumulated across pauses and retries.
func (r *Registry) GetRuntime(id string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok {
		return 0, false
	}
	rt := h.runtime
	if h.state == StateRunning {
		rt += time.Since(h.lastChange)
	}
	return rt, true
}

func (r *Registry) IsPauseScheduled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	return ok && h.pauseScheduled
}

func (r *Registry) IsCancelScheduled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	return ok && h.cancelScheduled
}

func (r *Registry) ListJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

// GetStatistics returns per-state job counts, folding Retry into pending
// and Paused into running.
func (r *Registry) GetStatistics() (pending, running, success, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.byID {
		switch h.state {
		case StatePending, StateRetry:
			pending++
		case StateRunning, StatePaused:
			running++
		case StateSuccess:
			success++
		case StateFailure:
			failed++
		}
	}
	return
}

// Persistence. Jobs saved as Pending/Retry/Running all re-enter as Pending
// on load: an interrupted Running job resumes from the snapshot its last
// Serialize produced.

type serializedHandle struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	State          string          `json:"state"`
	Priority       int             `json:"priority"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	CreationTime   time.Time       `json:"creation_time"`
	LastChangeTime time.Time       `json:"last_change_time"`
	RuntimeMS      int64           `json:"runtime_ms"`
	Content        json.RawMessage `json:"content"`
}

type serializedRegistry struct {
	Jobs []serializedHandle `json:"jobs"`
}

// SaveToFile persists every job whose Serialize supports it.
func (r *Registry) SaveToFile(path string) error {
	r.mu.Lock()
	var out serializedRegistry
	for _, h := range r.byID {
		content, ok := h.job.Serialize()
		if !ok {
			continue
		}
		out.Jobs = append(out.Jobs, serializedHandle{
			ID: h.id, Kind: h.kind, State: h.state.String(), Priority: h.priority,
			DependsOn: h.dependsOn, CreationTime: h.creationTime, LastChangeTime: h.lastChange,
			RuntimeMS: h.runtime.Milliseconds(), Content: content,
		})
	}
	r.mu.Unlock()
	return jsp.Save(path, &out)
}

// LoadFromFile reconstructs a Registry from a prior SaveToFile. A job
// whose kind has no registered Unserializer, or whose content fails to
// decode, is dropped with a warning and loading continues.
func LoadFromFile(path string, jobsHistorySize int) (*Registry, error) {
	var in serializedRegistry
	if err := jsp.Load(path, &in); err != nil {
		return nil, err
	}
	r := NewRegistry(jobsHistorySize)
	for _, sh := range in.Jobs {
		fn, ok := lookupUnserializer(sh.Kind)
		if !ok {
			glog.Warningf("unknown job kind %q, dropping job %s", sh.Kind, sh.ID)
			continue
		}
		job, err := fn(sh.Content)
		if err != nil {
			glog.Warningf("cannot unserialize job %s of kind %q: %v", sh.ID, sh.Kind, err)
			continue
		}
		h := &handle{
			id: sh.ID, job: job, kind: sh.Kind, priority: sh.Priority, dependsOn: sh.DependsOn,
			creationTime: sh.CreationTime, lastChange: sh.LastChangeTime,
			runtime: time.Duration(sh.RuntimeMS) * time.Millisecond, retryAt: sh.CreationTime,
		}
		switch parseState(sh.State) {
		case StateSuccess:
			h.state = StateSuccess
			r.completed = append(r.completed, h)
		case StateFailure:
			h.state = StateFailure
			r.completed = append(r.completed, h)
		case StatePaused:
			h.state = StatePaused
		default:
			h.state = StatePending
			r.pending.push(h)
		}
		r.byID[h.id] = h
	}
	return r, nil
}
