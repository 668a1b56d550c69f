// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/jodogne/orthanc-go/cmn"
)

// stableTracker remembers which patients, studies, and series have
// recently received instances. Every ingest re-arms the deadline of the
// whole ancestor chain; once a resource goes StableAge without a new
// arrival, SweepStable reports it stable exactly once.
type stableTracker struct {
	mu      sync.Mutex
	pending map[string]stableEntry
}

type stableEntry struct {
	level    cmn.ResourceLevel
	deadline time.Time
}

type stableDue struct {
	level    cmn.ResourceLevel
	publicID string
}

func newStableTracker() *stableTracker {
	return &stableTracker{pending: make(map[string]stableEntry)}
}

func (s *stableTracker) touch(level cmn.ResourceLevel, publicID string, age time.Duration) {
	s.mu.Lock()
	s.pending[publicID] = stableEntry{level: level, deadline: time.Now().Add(age)}
	s.mu.Unlock()
}

func (s *stableTracker) forget(publicID string) {
	s.mu.Lock()
	delete(s.pending, publicID)
	s.mu.Unlock()
}

// due removes and returns every entry whose deadline has passed.
func (s *stableTracker) due(now time.Time) []stableDue {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stableDue
	for publicID, e := range s.pending {
		if !e.deadline.After(now) {
			out = append(out, stableDue{level: e.level, publicID: publicID})
			delete(s.pending, publicID)
		}
	}
	return out
}

var stableKindOf = map[cmn.ResourceLevel]cmn.ChangeKind{
	cmn.Patient: cmn.ChangeStablePatient,
	cmn.Study:   cmn.ChangeStableStudy,
	cmn.Series:  cmn.ChangeStableSeries,
}

// SweepStable records a StablePatient/StableStudy/StableSeries change for
// every tracked resource whose inactivity window has elapsed, skipping
// resources deleted in the meantime. A ticker goroutine (cmd/orthancd
// wires one up) calls this periodically.
func (idx *Index) SweepStable() error {
	due := idx.stable.due(time.Now())
	if len(due) == 0 {
		return nil
	}
	var emitted []Change
	err := idx.db.WithTx(func(tx *buntdb.Tx) error {
		for _, d := range due {
			if _, ok, err := idx.db.LookupPublicID(tx, d.publicID); err != nil {
				return err
			} else if !ok {
				continue
			}
			kind := stableKindOf[d.level]
			seq, err := idx.db.RecordChange(tx, kind, d.level, d.publicID, "")
			if err != nil {
				return err
			}
			emitted = append(emitted, newChange(seq, kind, d.level, d.publicID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range emitted {
		idx.changes.emit(c)
		idx.stats.changesEmitted.Inc()
	}
	return nil
}
