// Package dimse implements the provider-side DIMSE state machines.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dimse

import (
	"strconv"

	"github.com/golang/glog"

	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/handlers"
)

// MoveContext is the per-request C-MOVE callback state: the move handler
// is invoked once to build an iterator carrying the sub-operation count,
// then one sub-operation is advanced per subsequent invocation.
type MoveContext struct {
	handler handlers.MoveRequestHandler

	target                         string
	remoteIP, remoteAET, calledAET string

	started      bool
	iterator     handlers.MoveRequestIterator
	failureCount int
	warningCount int
}

func NewMoveContext(handler handlers.MoveRequestHandler, target, remoteIP, remoteAET, calledAET string) *MoveContext {
	return &MoveContext{handler: handler, target: target, remoteIP: remoteIP, remoteAET: remoteAET, calledAET: calledAET}
}

// MoveResponse is the per-invocation C-MOVE response with its
// remaining/completed/failed/warning counters.
type MoveResponse struct {
	Status                                Status
	Remaining, Completed, Failed, Warning int
}

// Next drives one callback invocation.
func (c *MoveContext) Next(identifier map[dicom.Tag]string, responseCount int) MoveResponse {
	if !c.started {
		c.started = true
		originatorID := extractMessageID(identifier)
		it, err := c.handler.Handle(c.target, identifier, c.remoteIP, c.remoteAET, c.calledAET, originatorID)
		if err != nil || it == nil {
			glog.Errorf("IMoveRequestHandler failed: %v", err)
			return MoveResponse{Status: StatusMoveFailedUnableToProcess}
		}
		c.iterator = it
	}

	subOpCount := c.iterator.SubOperationCount()
	if subOpCount == 0 {
		return MoveResponse{Status: StatusSuccess}
	}
	outcome, err := c.iterator.DoNext()
	if err != nil {
		glog.Errorf("IMoveRequestHandler failed: %v", err)
		return MoveResponse{Status: StatusMoveFailedUnableToProcess}
	}
	switch outcome {
	case handlers.MoveOutcomeFailure:
		c.failureCount++
	case handlers.MoveOutcomeWarning:
		c.warningCount++
	}
	status := StatusSuccess
	if responseCount < subOpCount {
		status = StatusPending
	}

	return MoveResponse{
		Status:    status,
		Remaining: subOpCount - responseCount,
		Completed: responseCount,
		Failed:    c.failureCount,
		Warning:   c.warningCount,
	}
}

// extractMessageID reads the Message ID (0000,0110) of an incoming C-MOVE
// request, used as the Move Originator Message ID in the response. Absent
// or unparseable values default to zero, a warning logged for the latter.
func extractMessageID(identifier map[dicom.Tag]string) uint16 {
	v, ok := identifier[dicom.TagMessageID]
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 0xffff {
		glog.Warningf("cannot convert Message ID %q of an incoming C-MOVE request to an integer, assuming zero", v)
		return 0
	}
	return uint16(n)
}
