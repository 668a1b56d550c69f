// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"sync"

	"github.com/jodogne/orthanc-go/cmn"
)

// Change is the high-level event the resource index broadcasts to
// listeners, translated from the wrapper's low-level resource-created and
// resource-deleted signals.
type Change struct {
	Seq      int64
	Kind     cmn.ChangeKind
	Level    cmn.ResourceLevel
	PublicID string
	Date     string
	Detail   string
}

// ChangeListener receives Change events; the index allows at most one
// listener per ChangeKind.
type ChangeListener func(Change)

// AncestorListener is notified after a deletion commits, with the deepest
// surviving ancestor left without children. The ancestor still exists; a
// typical listener re-examines it (e.g. to restart its stability timer or
// delete it in turn).
type AncestorListener func(level cmn.ResourceLevel, publicID string)

type broadcaster struct {
	mu        sync.RWMutex
	listeners map[cmn.ChangeKind]ChangeListener
}

func newBroadcaster() *broadcaster {
	return &broadcaster{listeners: make(map[cmn.ChangeKind]ChangeListener)}
}

// RegisterListener installs fn for kind; installing a second listener for
// the same kind is an error.
func (b *broadcaster) RegisterListener(kind cmn.ChangeKind, fn ChangeListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[kind]; exists {
		return cmn.NewAppError(cmn.BadSequenceOfCalls, "listener already registered for this change kind")
	}
	b.listeners[kind] = fn
	return nil
}

func (b *broadcaster) emit(c Change) {
	b.mu.RLock()
	fn, ok := b.listeners[c.Kind]
	b.mu.RUnlock()
	if ok {
		fn(c)
	}
}
