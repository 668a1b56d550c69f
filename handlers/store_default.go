// Package handlers defines the boundary between the DIMSE SCP state
// machines and the resource index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/store"
)

// storeHandler delegates C-STORE requests straight to the resource index.
type storeHandler struct {
	idx *store.Index
}

func NewStoreHandler(idx *store.Index) StoreRequestHandler { return &storeHandler{idx: idx} }

func (h *storeHandler) Handle(dicomBytes []byte, summary map[dicom.Tag]string, dicomJSON []byte,
	remoteIP, remoteAET, calledAET string) (StoreOutcome, error) {
	req := store.IngestRequest{
		PatientUID:     summary[dicom.TagPatientID],
		StudyUID:       summary[dicom.TagStudyInstanceUID],
		SeriesUID:      summary[dicom.TagSeriesInstanceUID],
		InstanceUID:    summary[dicom.TagSOPInstanceUID],
		MainTags:       summary,
		IdentifierTags: summary,
		RemoteAet:      remoteAET,
		SopClassUid:    summary[dicom.TagSOPClassUID],
		Dicom:          dicomBytes,
		DicomAsJSON:    dicomJSON,
	}
	status, _, err := h.idx.Store(req)
	return storeOutcomeOf(status), err
}

func storeOutcomeOf(s cmn.StoreStatus) StoreOutcome {
	switch s {
	case cmn.StoreSuccess:
		return StoreSuccess
	case cmn.StoreAlreadyStored:
		return StoreAlreadyStored
	case cmn.StoreFilteredOut:
		return StoreFilteredOut
	default:
		return StoreFailure
	}
}
