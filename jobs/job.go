// Package jobs implements the priority-scheduled registry and worker
// engine driving long-running server operations (store-and-forward,
// modification, export) to completion through an explicit state machine,
// with disk persistence so a restart can resume pending work.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jobs

import (
	"encoding/json"
	"sync"
	"time"
)

// State is one node of the job state machine: Pending -> Running ->
// {Success, Failure, Retry, Paused}, with Retry and Paused looping back to
// Pending and Failure allowing resubmission.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSuccess
	StateFailure
	StateRetry
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StateSuccess:
		return "Success"
	case StateFailure:
		return "Failure"
	case StateRetry:
		return "Retry"
	case StatePaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "Running":
		return StateRunning
	case "Success":
		return StateSuccess
	case "Failure":
		return StateFailure
	case "Retry":
		return StateRetry
	case "Paused":
		return StatePaused
	default:
		return StatePending
	}
}

// StepOutcome is returned by Job.Step and drives the worker loop.
type StepOutcome int

const (
	StepSuccess StepOutcome = iota
	StepContinue
	StepFailure
	// StepRetry parks the job in the Retry state for the duration carried
	// alongside the outcome (the worker reads it off the error via
	// RetryAfter); the retry sweeper promotes it back to Pending once its
	// deadline passes.
	StepRetry
)

// RetryAfter wraps the requested retry delay so a job can return it as the
// error value of a StepRetry outcome without widening the Job.Step
// signature.
type RetryAfter struct {
	Timeout time.Duration
}

func (r RetryAfter) Error() string { return "job requested retry" }

// StopReason distinguishes a scheduled pause from a cancel; Stop is called
// at most once, from the worker goroutine, between two Step calls.
type StopReason int

const (
	StopPause StopReason = iota
	StopCancel
)

// Job is one unit of asynchronous work the engine drives to completion.
// Step/Stop/Reset are only ever called by the single worker goroutine that
// currently owns the job; GetProgress, GetPublicContent, and Serialize may
// be called concurrently from other goroutines inspecting job status, so
// implementations must protect any state those methods read.
type Job interface {
	Kind() string
	Step() (StepOutcome, error)
	Stop(reason StopReason)
	Reset()
	GetProgress() float64
	GetPublicContent() interface{}
	// Serialize returns the job's resumable state, or ok=false if this job
	// kind does not support being persisted across a restart.
	Serialize() (content json.RawMessage, ok bool)
}

// Unserializer reconstructs a Job from the content Serialize produced.
type Unserializer func(content json.RawMessage) (Job, error)

var (
	kindsMu sync.Mutex
	kinds   = map[string]Unserializer{}
)

// RegisterKind installs the unserializer for a job kind so LoadFromFile
// can reconstruct jobs of that kind from a previous run; a later call for
// the same kind replaces the earlier one.
func RegisterKind(kind string, fn Unserializer) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = fn
}

func lookupUnserializer(kind string) (Unserializer, bool) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	fn, ok := kinds[kind]
	return fn, ok
}
