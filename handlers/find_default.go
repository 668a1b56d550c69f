// Package handlers defines the boundary between the DIMSE SCP state
// machines and the resource index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/store"
)

// findHandler answers a regular Q/R C-FIND by resolving the query's
// resource-level UID exactly, then projecting each match onto the
// requested return tags. Sequence-matching constraints beyond the
// worklist path are not supported.
type findHandler struct {
	idx *store.Index
}

func NewFindHandler(idx *store.Index) FindRequestHandler { return &findHandler{idx: idx} }

func (h *findHandler) Handle(answers *FindAnswers, query map[dicom.Tag]string, sequencesToReturn []dicom.Tag,
	remoteIP, remoteAET, calledAET, manufacturer string) error {
	answers.SetWorklist(false)

	level, tag, value, err := queryAnchor(query)
	if err != nil {
		return err
	}
	matches, err := h.idx.LookupIdentifierExact(level, tag, value)
	if err != nil {
		return err
	}
	for _, pub := range matches {
		tags, err := h.idx.GetMainTags(pub)
		if err != nil {
			return err
		}
		item := make(map[dicom.Tag]dicom.Value, len(query)+len(sequencesToReturn))
		for t := range query {
			if v, ok := tags[t]; ok {
				item[t] = dicom.StringValue(v)
			} else {
				item[t] = dicom.NullValue()
			}
		}
		for _, t := range sequencesToReturn {
			if _, present := item[t]; !present {
				item[t] = dicom.NullValue()
			}
		}
		answers.Add(item)
	}
	return nil
}
