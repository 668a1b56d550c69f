// Package handlers defines the boundary between the DIMSE SCP state
// machines and the resource index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"github.com/golang/glog"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/store"
)

// Sender transmits one already-stored instance as a C-STORE sub-operation
// to a destination AET; its concrete implementation is the association
// layer's outbound wire encoding, behind the interface.
type Sender interface {
	Send(publicID, targetAET string) error
}

// moveHandler resolves a C-MOVE identifier to its instances once, then
// hands back an iterator that sends one sub-operation per DoNext call.
type moveHandler struct {
	idx    *store.Index
	sender Sender
}

func NewMoveHandler(idx *store.Index, sender Sender) MoveRequestHandler {
	return &moveHandler{idx: idx, sender: sender}
}

func (h *moveHandler) Handle(targetAET string, identifier map[dicom.Tag]string,
	remoteIP, remoteAET, calledAET string, originatorID uint16) (MoveRequestIterator, error) {
	instances, err := resolveInstances(h.idx, identifier)
	if err != nil {
		return nil, err
	}
	return &moveIterator{idx: h.idx, sender: h.sender, target: targetAET, instances: instances}, nil
}

type moveIterator struct {
	idx       *store.Index
	sender    Sender
	target    string
	instances []string
	pos       int
}

func (it *moveIterator) SubOperationCount() int { return len(it.instances) }

// DoNext sends the next instance, logs the successful transfer in the
// exported-resources log, and reports its outcome; once every instance
// has been attempted, further calls are a no-op success (the SCP callback
// stops calling DoNext once the response count reaches the sub-operation
// count).
func (it *moveIterator) DoNext() (MoveOutcome, error) {
	if it.pos >= len(it.instances) {
		return MoveOutcomeSuccess, nil
	}
	publicID := it.instances[it.pos]
	it.pos++
	if err := it.sender.Send(publicID, it.target); err != nil {
		return MoveOutcomeFailure, err
	}
	if err := it.logExport(publicID); err != nil {
		// the transfer itself already happened; a bookkeeping failure must
		// not fail the sub-operation
		glog.Warningf("cannot log exported instance %s: %v", publicID, err)
	}
	return MoveOutcomeSuccess, nil
}

func (it *moveIterator) logExport(publicID string) error {
	tags, err := it.idx.GetMainTags(publicID)
	if err != nil {
		return err
	}
	return it.idx.RecordExport(store.ExportedResource{
		Level:     cmn.Instance,
		PublicID:  publicID,
		Modality:  it.target,
		PatientID: tags[dicom.TagPatientID],
		StudyUID:  tags[dicom.TagStudyInstanceUID],
		SeriesUID: tags[dicom.TagSeriesInstanceUID],
		SopUID:    tags[dicom.TagSOPInstanceUID],
	})
}
