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

// UIDFindModalityWorklistInformationModel is the SOP Class UID that routes
// a C-FIND request to the worklist handler instead of the regular Q/R
// handler.
const UIDFindModalityWorklistInformationModel = "1.2.840.10008.5.1.4.31"

// RemoteModalities validates that an incoming C-FIND's calling AET is a
// known remote modality before any query is dispatched.
type RemoteModalities interface {
	LookupAETitle(aet string) (manufacturer string, ok bool)
}

// FindContext is the per-request C-FIND callback state: built once per
// C-FIND-RQ, then driven by one Next call per response the DIMSE provider
// asks for. The answer container is filled on the first call; subsequent
// calls only index into it.
type FindContext struct {
	modalities      RemoteModalities
	findHandler     handlers.FindRequestHandler
	worklistHandler handlers.WorklistRequestHandler
	parser          Parser

	remoteIP, remoteAET, calledAET string
	limit                          int

	started bool
	answers *handlers.FindAnswers
}

func NewFindContext(modalities RemoteModalities, findHandler handlers.FindRequestHandler,
	worklistHandler handlers.WorklistRequestHandler, parser Parser,
	remoteIP, remoteAET, calledAET string, limit int) *FindContext {
	return &FindContext{
		modalities: modalities, findHandler: findHandler, worklistHandler: worklistHandler, parser: parser,
		remoteIP: remoteIP, remoteAET: remoteAET, calledAET: calledAET, limit: limit,
	}
}

// Next drives one callback invocation. sopClassUID/query/
// sequencesToReturn/queryFile matter only on the first call, which builds
// the answer container; responseCount is the DIMSE provider's 1-indexed
// response counter on every call thereafter.
func (c *FindContext) Next(sopClassUID string, query map[dicom.Tag]string, sequencesToReturn []dicom.Tag,
	queryFile []byte, responseCount int) (Status, map[dicom.Tag]dicom.Value) {
	if !c.started {
		c.started = true
		c.answers = handlers.NewFindAnswers(c.limit)

		manufacturer, ok := c.modalities.LookupAETitle(c.remoteAET)
		if !ok {
			glog.Errorf("modality with AET %q is not defined in the DicomModalities configuration", c.remoteAET)
			return StatusFindFailedUnableToProcess, nil
		}

		var err error
		if sopClassUID == UIDFindModalityWorklistInformationModel {
			c.answers.SetWorklist(true)
			if c.worklistHandler == nil {
				glog.Errorf("no worklist handler is installed, cannot handle this C-FIND request")
				return StatusFindFailedUnableToProcess, nil
			}
			fixed := queryFile
			if c.parser != nil {
				if fixed, err = c.parser.FixWorklistQuery(queryFile); err != nil {
					glog.Errorf("cannot fix up worklist query: %v", err)
					return StatusFindFailedUnableToProcess, nil
				}
			}
			err = c.worklistHandler.Handle(c.answers, fixed, c.remoteIP, c.remoteAET, c.calledAET, manufacturer)
		} else {
			c.answers.SetWorklist(false)
			if c.findHandler == nil {
				glog.Errorf("no C-FIND handler is installed, cannot handle this request")
				return StatusFindFailedUnableToProcess, nil
			}
			err = c.findHandler.Handle(c.answers, query, sequencesToReturn, c.remoteIP, c.remoteAET, c.calledAET, manufacturer)
		}
		if err != nil {
			glog.Errorf("C-FIND request handler has failed: %v", err)
			return StatusFindFailedUnableToProcess, nil
		}
	}

	if responseCount <= c.answers.Size() {
		return StatusPending, c.answers.Get(responseCount - 1)
	}
	if c.answers.IsComplete() {
		return StatusSuccess, nil
	}
	glog.Warningf("too many results for an incoming C-FIND query, truncating")
	return StatusFindCancelMatchingTerminated, nil
}
