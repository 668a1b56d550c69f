// Package dimse implements the provider-side DIMSE state machines.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dimse

import (
	"github.com/golang/glog"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/handlers"
)

// StoreContext is the per-request C-STORE callback state: constructed once
// per incoming C-STORE-RQ, then invoked once per streaming fragment and
// once more at the end of the transfer.
type StoreContext struct {
	parser  Parser
	handler handlers.StoreRequestHandler

	remoteIP, remoteAET, calledAET string
}

func NewStoreContext(parser Parser, handler handlers.StoreRequestHandler, remoteIP, remoteAET, calledAET string) *StoreContext {
	return &StoreContext{parser: parser, handler: handler, remoteIP: remoteIP, remoteAET: remoteAET, calledAET: calledAET}
}

// OnFragment is invoked for every streaming PDV before the final call; the
// payload is discarded until the provider assembles the whole dataset.
func (c *StoreContext) OnFragment() {}

// OnStoreEnd extracts the summary and JSON projections, re-serializes the
// dataset, verifies that the transmitted SOP class/instance UIDs match the
// dataset, and hands the result to the store handler. dataset is nil when
// the provider has nothing to write, in which case the transfer succeeds
// with no ingestion.
func (c *StoreContext) OnStoreEnd(affectedSOPClassUID, affectedSOPInstanceUID string, dataset []byte) Status {
	if dataset == nil {
		return StatusSuccess
	}

	summary, err := c.parser.ExtractSummary(dataset)
	if err != nil {
		glog.Errorf("cannot extract DICOM summary: %v", err)
		return StatusStoreRefusedOutOfResources
	}
	jsonDoc, err := c.parser.ExtractJSON(dataset)
	if err != nil {
		glog.Errorf("cannot extract DICOM-as-JSON: %v", err)
		return StatusStoreRefusedOutOfResources
	}
	buffer, err := c.parser.SaveToMemoryBuffer(dataset)
	if err != nil {
		glog.Errorf("cannot write DICOM file to memory: %v", err)
		return StatusStoreRefusedOutOfResources
	}

	sopClass, sopInstance, err := c.parser.FindSOPClassAndInstance(dataset)
	if err != nil {
		return StatusStoreErrorCannotUnderstand
	}
	if sopClass != affectedSOPClassUID || sopInstance != affectedSOPInstanceUID {
		return StatusStoreDataSetDoesNotMatchSOPClass
	}

	if _, err := c.handler.Handle(buffer, summary, jsonDoc, c.remoteIP, c.remoteAET, c.calledAET); err != nil {
		ae := cmn.AsAppError(err)
		if ae.Kind == cmn.InexistentItem {
			glog.Warningf("missing tags for store, summary=%v", summary)
		} else {
			glog.Errorf("exception while storing DICOM: %v", ae)
		}
		return StatusStoreRefusedOutOfResources
	}
	return StatusSuccess
}
