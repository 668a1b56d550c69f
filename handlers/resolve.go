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

// queryAnchor picks the most specific resource-level UID present in a Q/R
// identifier, preferring Instance over Series over Study over Patient.
func queryAnchor(identifier map[dicom.Tag]string) (cmn.ResourceLevel, dicom.Tag, string, error) {
	candidates := []struct {
		level cmn.ResourceLevel
		tag   dicom.Tag
	}{
		{cmn.Instance, dicom.TagSOPInstanceUID},
		{cmn.Series, dicom.TagSeriesInstanceUID},
		{cmn.Study, dicom.TagStudyInstanceUID},
		{cmn.Patient, dicom.TagPatientID},
	}
	for _, c := range candidates {
		if v, ok := identifier[c.tag]; ok && v != "" {
			return c.level, c.tag, v, nil
		}
	}
	return 0, dicom.Tag{}, "", cmn.NewAppError(cmn.BadParameterType, "query identifier carries no resource-level UID")
}

// resolveInstances expands a Q/R identifier (at whichever level it names)
// into the full set of instance public ids beneath the match, the
// resolution step shared by the default C-MOVE and C-GET handlers before
// they start sending sub-operations.
func resolveInstances(idx *store.Index, identifier map[dicom.Tag]string) ([]string, error) {
	level, tag, value, err := queryAnchor(identifier)
	if err != nil {
		return nil, err
	}
	matches, err := idx.LookupIdentifierExact(level, tag, value)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, pub := range matches {
		instances, err := idx.ListInstances(pub)
		if err != nil {
			return nil, err
		}
		out = append(out, instances...)
	}
	return out, nil
}
