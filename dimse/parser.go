// Package dimse implements the provider-side DIMSE state machines.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dimse

import "github.com/jodogne/orthanc-go/dicom"

// Parser extracts the projections the SCP callbacks need from a raw
// dataset; the actual DICOM parser and pixel decoder live behind this
// boundary.
type Parser interface {
	// ExtractSummary pulls the main DICOM tags (patient/study/series/
	// instance identifying tags and beyond) out of dataset.
	ExtractSummary(dataset []byte) (summary map[dicom.Tag]string, err error)

	// ExtractJSON projects dataset into the tag->{VR,Value} JSON cache
	// format.
	ExtractJSON(dataset []byte) (json []byte, err error)

	// SaveToMemoryBuffer re-serializes dataset as Little Endian Explicit,
	// explicit length, no padding.
	SaveToMemoryBuffer(dataset []byte) (buffer []byte, err error)

	// FindSOPClassAndInstance reads back the SOP Class/Instance UIDs
	// actually present in dataset, for the StoreEnd UID-match check.
	FindSOPClassAndInstance(dataset []byte) (sopClassUID, sopInstanceUID string, err error)

	// FixWorklistQuery removes a single empty ReferencedStudySequence or
	// ReferencedPatientSequence item from a worklist query dataset before
	// it reaches the worklist handler; some modalities send those and they
	// would otherwise defeat the matching.
	FixWorklistQuery(queryFile []byte) ([]byte, error)
}
