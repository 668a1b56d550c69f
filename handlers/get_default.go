// Package handlers defines the boundary between the DIMSE SCP state
// machines and the resource index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"sync"

	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/store"
)

// getHandler resolves a C-GET identifier to its instances and sends each
// sub-operation back over the requesting association itself: the Sender
// here targets the caller, not a third AET, the one structural difference
// from C-MOVE.
type getHandler struct {
	idx    *store.Index
	sender Sender

	mu         sync.Mutex
	instances  []string
	pos        int
	completed  int
	failed     int
	warning    int
	failedUIDs []string
}

func NewGetHandler(idx *store.Index, sender Sender) GetRequestHandler {
	return &getHandler{idx: idx, sender: sender}
}

func (h *getHandler) Handle(identifier map[dicom.Tag]string, remoteIP, remoteAET, calledAET string) (bool, error) {
	instances, err := resolveInstances(h.idx, identifier)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	h.instances = instances
	h.mu.Unlock()
	return true, nil
}

func (h *getHandler) DoNext() (MoveOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos >= len(h.instances) {
		return MoveOutcomeSuccess, nil
	}
	publicID := h.instances[h.pos]
	h.pos++
	if err := h.sender.Send(publicID, remoteSelfAET); err != nil {
		h.failed++
		h.failedUIDs = append(h.failedUIDs, publicID)
		return MoveOutcomeFailure, err
	}
	h.completed++
	return MoveOutcomeSuccess, nil
}

// remoteSelfAET is a sentinel target for Sender.Send, read by
// implementations as "reply on the association that sent the request"
// rather than dial out to a third AET (C-GET has no Move Destination).
const remoteSelfAET = ""

func (h *getHandler) RemainingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.instances) - h.pos
}

func (h *getHandler) CompletedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

func (h *getHandler) FailedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

func (h *getHandler) WarningCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.warning
}

func (h *getHandler) FailedUIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.failedUIDs))
	copy(out, h.failedUIDs)
	return out
}
