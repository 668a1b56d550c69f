// Package peer implements the reusable outbound DICOM association: a
// single kept-alive association to whichever remote modality was most
// recently used, torn down after an idle timeout.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package peer

import (
	"sync"
	"time"

	"github.com/jodogne/orthanc-go/cmn"
)

// Modality identifies a remote DICOM peer.
type Modality struct {
	AET  string
	Host string
	Port int
}

// Connection is an open outbound DICOM association; implementations close
// the underlying transport on Close.
type Connection interface {
	Close() error
	// SameAssociation reports whether this connection can serve a request
	// under localAET against remote without being torn down and redialed.
	SameAssociation(localAET string, remote Modality) bool
}

// Dialer opens a new Connection; it is supplied by the process entrypoint
// (cmd/orthancd), where the DICOM transport plugs in.
type Dialer func(localAET string, remote Modality) (Connection, error)

// Manager holds at most one live outbound association, reusing it across
// consecutive Acquire calls against the same (localAET, remote) pair and
// closing it once idle for longer than the configured timeout. The
// timeout is adjustable at runtime and takes effect on the next check.
type Manager struct {
	mu          sync.Mutex
	dial        Dialer
	conn        Connection
	lastUse     time.Time
	idleTimeout time.Duration
}

func NewManager(dial Dialer, idleTimeout time.Duration) *Manager {
	return &Manager{dial: dial, idleTimeout: idleTimeout}
}

func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
	m.checkTimeoutLocked()
}

func (m *Manager) GetTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleTimeout
}

func (m *Manager) checkTimeoutLocked() {
	if m.conn != nil && time.Since(m.lastUse) >= m.idleTimeout {
		m.closeLocked()
	}
}

func (m *Manager) closeLocked() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// CheckTimeout closes the held connection if it has been idle past the
// timeout; a reaper goroutine calls this on a tick (cmd/orthancd wires
// one up at a quarter of the close delay).
func (m *Manager) CheckTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTimeoutLocked()
}

// Close tears down the held connection unconditionally, used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// Resource is a leased handle on the shared connection; Release must be
// called exactly once, which stamps the manager's last-use time.
type Resource struct {
	mgr  *Manager
	conn Connection
}

func (r *Resource) Connection() Connection { return r.conn }

func (r *Resource) Release() {
	r.mgr.mu.Lock()
	r.mgr.lastUse = time.Now()
	r.mgr.mu.Unlock()
}

// Acquire returns a Resource wrapping the shared connection, redialing it
// first if there is none yet or it was opened for a different
// (localAET, remote) pair.
func (m *Manager) Acquire(localAET string, remote Modality) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || !m.conn.SameAssociation(localAET, remote) {
		m.closeLocked()
		conn, err := m.dial(localAET, remote)
		if err != nil {
			return nil, cmn.WrapAppError(cmn.NetworkProtocol, err, "dial "+remote.AET)
		}
		m.conn = conn
	}
	return &Resource{mgr: m, conn: m.conn}, nil
}
