// Package handlers defines the boundary between the DIMSE SCP state
// machines and the resource index: small capability interfaces the SCP
// layer invokes, plus default implementations wired to store.Index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"github.com/jodogne/orthanc-go/dicom"
)

// StoreRequestHandler is invoked once per completed C-STORE, at StoreEnd.
type StoreRequestHandler interface {
	Handle(dicomBytes []byte, summary map[dicom.Tag]string, dicomJSON []byte,
		remoteIP, remoteAET, calledAET string) (StoreOutcome, error)
}

// StoreOutcome mirrors cmn.StoreStatus without handlers importing store,
// keeping this package's only hard dependency on the database layer
// confined to the default implementations in the *_default.go files.
type StoreOutcome int

const (
	StoreSuccess StoreOutcome = iota
	StoreAlreadyStored
	StoreFailure
	StoreFilteredOut
)

// FindRequestHandler answers a regular (non-worklist) C-FIND query.
type FindRequestHandler interface {
	Handle(answers *FindAnswers, query map[dicom.Tag]string, sequencesToReturn []dicom.Tag,
		remoteIP, remoteAET, calledAET, manufacturer string) error
}

// WorklistRequestHandler answers a Modality Worklist C-FIND query; it is
// application-level and has no default implementation here.
type WorklistRequestHandler interface {
	Handle(answers *FindAnswers, queryFile []byte,
		remoteIP, remoteAET, calledAET, manufacturer string) error
}

// MoveOutcome is the per-sub-operation result reported by DoNext.
type MoveOutcome int

const (
	MoveOutcomeSuccess MoveOutcome = iota
	MoveOutcomeWarning
	MoveOutcomeFailure
)

// MoveRequestIterator drives the sub-operations of one C-MOVE, one DoNext
// call per DIMSE sub-operation.
type MoveRequestIterator interface {
	SubOperationCount() int
	DoNext() (MoveOutcome, error)
}

// MoveRequestHandler starts a C-MOVE by resolving the query to a list of
// instances and a destination AET, returning an iterator that performs one
// sub-operation (a C-STORE to the destination) per DoNext call.
type MoveRequestHandler interface {
	Handle(targetAET string, identifier map[dicom.Tag]string,
		remoteIP, remoteAET, calledAET string, originatorID uint16) (MoveRequestIterator, error)
}

// GetRequestHandler starts a C-GET: sub-operations are sent back on the
// same association that carried the request, so DoNext takes no target.
type GetRequestHandler interface {
	Handle(identifier map[dicom.Tag]string, remoteIP, remoteAET, calledAET string) (bool, error)
	DoNext() (MoveOutcome, error)
	RemainingCount() int
	CompletedCount() int
	FailedCount() int
	WarningCount() int
	FailedUIDs() []string
}
