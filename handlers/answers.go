// Package handlers defines the boundary between the DIMSE SCP state
// machines and the resource index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import "github.com/jodogne/orthanc-go/dicom"

// FindAnswers accumulates the results of one C-FIND/worklist query: items
// are appended in discovery order, cropped once a configured limit is hit,
// and later indexed by responseCount as the SCP callback drains them.
type FindAnswers struct {
	worklist bool
	limit    int
	items    []map[dicom.Tag]dicom.Value
	cropped  bool
}

// NewFindAnswers creates an empty container; limit <= 0 means unbounded.
func NewFindAnswers(limit int) *FindAnswers {
	return &FindAnswers{limit: limit}
}

func (a *FindAnswers) SetWorklist(worklist bool) { a.worklist = worklist }
func (a *FindAnswers) IsWorklist() bool          { return a.worklist }

// Add appends one result item, dropping it and marking the container
// cropped once limit is reached.
func (a *FindAnswers) Add(item map[dicom.Tag]dicom.Value) {
	if a.limit > 0 && len(a.items) >= a.limit {
		a.cropped = true
		return
	}
	a.items = append(a.items, item)
}

func (a *FindAnswers) Size() int { return len(a.items) }

// Get returns the i-th item in append order (0-indexed); the SCP callback
// converts the provider's 1-indexed responseCount before calling this.
func (a *FindAnswers) Get(i int) map[dicom.Tag]dicom.Value { return a.items[i] }

// IsComplete reports whether every matching result was kept, i.e. no
// cropping occurred.
func (a *FindAnswers) IsComplete() bool { return !a.cropped }
