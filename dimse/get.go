// Package dimse implements the provider-side DIMSE state machines.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dimse

import (
	"github.com/golang/glog"

	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/handlers"
)

// GetContext is the per-request C-GET callback state; sub-operations are
// sent back on the requesting association itself rather than to a third
// AET.
type GetContext struct {
	handler handlers.GetRequestHandler

	remoteIP, remoteAET, calledAET string
	started                        bool
}

func NewGetContext(handler handlers.GetRequestHandler, remoteIP, remoteAET, calledAET string) *GetContext {
	return &GetContext{handler: handler, remoteIP: remoteIP, remoteAET: remoteAET, calledAET: calledAET}
}

// GetResponse is the per-invocation C-GET response: the sub-operation
// counters plus the failed-instance list carried on overall failure.
type GetResponse struct {
	Status                                Status
	Remaining, Completed, Failed, Warning int
	FailedUIDs                            []string
}

func (c *GetContext) Next(identifier map[dicom.Tag]string, responseCount int) GetResponse {
	if !c.started {
		c.started = true
		ok, err := c.handler.Handle(identifier, c.remoteIP, c.remoteAET, c.calledAET)
		if err != nil || !ok {
			glog.Errorf("IGetRequestHandler failed: %v", err)
			return GetResponse{Status: StatusGetFailedUnableToProcess}
		}
	}

	if c.handler.RemainingCount() == 0 {
		return c.snapshot(c.finalStatus())
	}

	// A failed sub-operation is accumulated by the handler and does not
	// abort the loop; the overall outcome is reported once every
	// sub-operation has been attempted.
	if _, err := c.handler.DoNext(); err != nil {
		glog.Errorf("IGetRequestHandler failed: %v", err)
	}

	if c.handler.RemainingCount() > 0 {
		return c.snapshot(StatusPending)
	}
	return c.snapshot(c.finalStatus())
}

// finalStatus maps the accumulated counters onto the closing C-GET
// status: DICOM part 4 C.4.3.3.1 calls for a refused/out-of-resources
// status when every sub-operation failed, a warning when only some did.
func (c *GetContext) finalStatus() Status {
	failed := c.handler.FailedCount()
	succeeded := c.handler.CompletedCount() + c.handler.WarningCount()
	switch {
	case failed == 0:
		return StatusSuccess
	case succeeded == 0:
		return StatusGetRefusedOutOfResourcesSubOperations
	default:
		return StatusGetWarningSubOperationsCompleteWithFailure
	}
}

func (c *GetContext) snapshot(status Status) GetResponse {
	return GetResponse{
		Status:     status,
		Remaining:  c.handler.RemainingCount(),
		Completed:  c.handler.CompletedCount(),
		Failed:     c.handler.FailedCount(),
		Warning:    c.handler.WarningCount(),
		FailedUIDs: c.handler.FailedUIDs(),
	}
}
