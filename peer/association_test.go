// Package peer implements the reusable outbound DICOM association.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package peer

import (
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	localAET string
	remote   Modality
	closed   bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) SameAssociation(localAET string, remote Modality) bool {
	return !c.closed && c.localAET == localAET && c.remote == remote
}

type fakeDialer struct {
	dials int
	err   error
	conns []*fakeConn
}

func (d *fakeDialer) dial(localAET string, remote Modality) (Connection, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{localAET: localAET, remote: remote}
	d.conns = append(d.conns, c)
	return c, nil
}

var remoteA = Modality{AET: "PACS_A", Host: "10.0.0.2", Port: 104}
var remoteB = Modality{AET: "PACS_B", Host: "10.0.0.3", Port: 104}

func TestAcquireReusesSameAssociation(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, time.Minute)

	r1, err := m.Acquire("ORTHANC", remoteA)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	r1.Release()
	r2, err := m.Acquire("ORTHANC", remoteA)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	r2.Release()

	if d.dials != 1 {
		t.Errorf("dials = %d, want the association reused", d.dials)
	}
	if r1.Connection() != r2.Connection() {
		t.Errorf("both leases must wrap the same connection")
	}
}

func TestAcquireRedialsOnParameterChange(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, time.Minute)

	r1, _ := m.Acquire("ORTHANC", remoteA)
	r1.Release()
	r2, err := m.Acquire("ORTHANC", remoteB)
	if err != nil {
		t.Fatalf("Acquire against another peer failed: %v", err)
	}
	r2.Release()

	if d.dials != 2 {
		t.Fatalf("dials = %d, want a redial for the new peer", d.dials)
	}
	if !d.conns[0].closed {
		t.Errorf("the first association must be closed before redialing")
	}
	if d.conns[1].closed {
		t.Errorf("the live association must stay open")
	}
}

func TestDialErrorSurfacesAsNetworkProtocol(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := NewManager(d.dial, time.Minute)
	if _, err := m.Acquire("ORTHANC", remoteA); err == nil {
		t.Fatalf("Acquire must fail when the dial fails")
	}
}

func TestIdleTimeoutClosesAssociation(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, 20*time.Millisecond)

	r, _ := m.Acquire("ORTHANC", remoteA)
	r.Release()

	m.CheckTimeout()
	if d.conns[0].closed {
		t.Fatalf("the association must survive a check before the timeout")
	}
	time.Sleep(30 * time.Millisecond)
	m.CheckTimeout()
	if !d.conns[0].closed {
		t.Fatalf("the association must be closed once idle past the timeout")
	}

	// the next Acquire transparently redials
	r2, err := m.Acquire("ORTHANC", remoteA)
	if err != nil {
		t.Fatalf("Acquire after timeout failed: %v", err)
	}
	r2.Release()
	if d.dials != 2 {
		t.Errorf("dials = %d, want a redial after the idle close", d.dials)
	}
}

func TestSetTimeoutTakesEffectOnNextCheck(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, time.Hour)

	r, _ := m.Acquire("ORTHANC", remoteA)
	r.Release()
	time.Sleep(10 * time.Millisecond)

	m.SetTimeout(time.Millisecond)
	if !d.conns[0].closed {
		t.Fatalf("shrinking the timeout below the idle age must close the association")
	}
	if got := m.GetTimeout(); got != time.Millisecond {
		t.Errorf("GetTimeout = %v", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, time.Minute)
	r, _ := m.Acquire("ORTHANC", remoteA)
	r.Release()
	m.Close()
	m.Close()
	if !d.conns[0].closed {
		t.Errorf("Close must tear the association down")
	}
}
