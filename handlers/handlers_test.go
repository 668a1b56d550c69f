// Package handlers defines the boundary between the DIMSE SCP state
// machines and the resource index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/store"
)

func TestMain(m *testing.M) {
	cmn.InitShortID(11)
	os.Exit(m.Run())
}

// nullArea discards blobs; these tests only exercise the index rows.
type nullArea struct{}

func (nullArea) Create(string, cmn.ContentType, []byte) error { return nil }
func (nullArea) Read(string, cmn.ContentType) ([]byte, error) {
	return nil, cmn.NewAppError(cmn.InexistentFile, "")
}
func (nullArea) ReadRange(string, cmn.ContentType, int64, int64) ([]byte, error) {
	return nil, cmn.NewAppError(cmn.InexistentFile, "")
}
func (nullArea) Remove(string, cmn.ContentType) error { return nil }

func newTestIndex(t *testing.T) *store.Index {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("cannot open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := cmn.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return store.NewIndex(db, nullArea{}, cfg)
}

func summaryFor(patient, study, series, instance string) map[dicom.Tag]string {
	return map[dicom.Tag]string{
		dicom.TagPatientID:         patient,
		dicom.TagStudyInstanceUID:  study,
		dicom.TagSeriesInstanceUID: series,
		dicom.TagSOPInstanceUID:    instance,
	}
}

func mustStore(t *testing.T, h StoreRequestHandler, patient, study, series, instance string) {
	t.Helper()
	outcome, err := h.Handle([]byte("dataset"), summaryFor(patient, study, series, instance), nil,
		"10.0.0.1", "MOD", "ORTHANC")
	if err != nil || outcome != StoreSuccess {
		t.Fatalf("store %s/%s/%s/%s = (%v, %v)", patient, study, series, instance, outcome, err)
	}
}

func TestStoreHandlerDelegatesToIndex(t *testing.T) {
	idx := newTestIndex(t)
	h := NewStoreHandler(idx)

	mustStore(t, h, "P1", "ST1", "SE1", "I1")

	outcome, err := h.Handle([]byte("dataset"), summaryFor("P1", "ST1", "SE1", "I1"), nil,
		"10.0.0.1", "MOD", "ORTHANC")
	if err != nil || outcome != StoreAlreadyStored {
		t.Fatalf("duplicate store = (%v, %v), want AlreadyStored", outcome, err)
	}

	stats, _ := idx.GetStatistics()
	if stats.Instances != 1 {
		t.Errorf("instances = %d, want 1", stats.Instances)
	}
}

func TestQueryAnchorPrecedence(t *testing.T) {
	cases := []struct {
		identifier map[dicom.Tag]string
		wantLevel  cmn.ResourceLevel
		wantValue  string
	}{
		{map[dicom.Tag]string{dicom.TagPatientID: "P"}, cmn.Patient, "P"},
		{map[dicom.Tag]string{dicom.TagPatientID: "P", dicom.TagStudyInstanceUID: "S"}, cmn.Study, "S"},
		{map[dicom.Tag]string{dicom.TagStudyInstanceUID: "S", dicom.TagSeriesInstanceUID: "SE"}, cmn.Series, "SE"},
		{map[dicom.Tag]string{dicom.TagSeriesInstanceUID: "SE", dicom.TagSOPInstanceUID: "I"}, cmn.Instance, "I"},
	}
	for i, c := range cases {
		level, _, value, err := queryAnchor(c.identifier)
		if err != nil || level != c.wantLevel || value != c.wantValue {
			t.Errorf("case %d: queryAnchor = (%v, %q, %v), want (%v, %q)", i, level, value, err, c.wantLevel, c.wantValue)
		}
	}

	// empty values do not anchor
	if _, _, _, err := queryAnchor(map[dicom.Tag]string{dicom.TagPatientID: ""}); err == nil {
		t.Errorf("an identifier with only empty UIDs must not anchor")
	}
}

func TestFindHandlerProjectsMatches(t *testing.T) {
	idx := newTestIndex(t)
	mustStore(t, NewStoreHandler(idx), "P1", "ST1", "SE1", "I1")

	h := NewFindHandler(idx)
	answers := NewFindAnswers(0)
	query := map[dicom.Tag]string{
		dicom.TagStudyInstanceUID: "ST1",
		dicom.TagPatientID:        "",
	}
	if err := h.Handle(answers, query, []dicom.Tag{dicom.TagReferencedStudySequence},
		"10.0.0.1", "MOD", "ORTHANC", "acme"); err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if answers.Size() != 1 || !answers.IsComplete() {
		t.Fatalf("answers = %d items (complete=%v), want one complete match", answers.Size(), answers.IsComplete())
	}
	item := answers.Get(0)
	if v, ok := item[dicom.TagStudyInstanceUID]; !ok || v.IsNull() {
		t.Errorf("matched item misses the study UID: %v", item)
	}
	if v, ok := item[dicom.TagReferencedStudySequence]; !ok || !v.IsNull() {
		t.Errorf("requested sequences must be present as Null placeholders: %v", item)
	}
}

func TestFindHandlerNoMatches(t *testing.T) {
	idx := newTestIndex(t)
	h := NewFindHandler(idx)
	answers := NewFindAnswers(0)
	err := h.Handle(answers, map[dicom.Tag]string{dicom.TagPatientID: "ABSENT"},
		nil, "10.0.0.1", "MOD", "ORTHANC", "")
	if err != nil || answers.Size() != 0 {
		t.Fatalf("no-match find = (%d items, %v), want an empty complete answer set", answers.Size(), err)
	}
}

// recordingSender collects the (publicID, target) pairs of every
// sub-operation, failing those listed in fail.
type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]bool
	targets []string
}

func (s *recordingSender) Send(publicID, targetAET string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, publicID)
	s.targets = append(s.targets, targetAET)
	if s.fail[publicID] {
		return errors.New("send failed")
	}
	return nil
}

func TestMoveHandlerIteratesInstances(t *testing.T) {
	idx := newTestIndex(t)
	sh := NewStoreHandler(idx)
	mustStore(t, sh, "P1", "ST1", "SE1", "I1")
	mustStore(t, sh, "P1", "ST1", "SE1", "I2")

	sender := &recordingSender{}
	h := NewMoveHandler(idx, sender)
	it, err := h.Handle("DEST", map[dicom.Tag]string{dicom.TagStudyInstanceUID: "ST1"},
		"10.0.0.1", "MOD", "ORTHANC", 0)
	if err != nil {
		t.Fatalf("move handle failed: %v", err)
	}
	if it.SubOperationCount() != 2 {
		t.Fatalf("sub-operation count = %d, want 2", it.SubOperationCount())
	}
	for i := 0; i < it.SubOperationCount(); i++ {
		if outcome, err := it.DoNext(); err != nil || outcome != MoveOutcomeSuccess {
			t.Fatalf("sub-operation %d = (%v, %v)", i, outcome, err)
		}
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d instances, want 2", len(sender.sent))
	}
	for _, target := range sender.targets {
		if target != "DEST" {
			t.Errorf("sub-operation sent to %q, want DEST", target)
		}
	}
}

func TestMoveHandlerLogsExports(t *testing.T) {
	idx := newTestIndex(t)
	sh := NewStoreHandler(idx)
	mustStore(t, sh, "P1", "ST1", "SE1", "I1")
	mustStore(t, sh, "P1", "ST1", "SE1", "I2")

	failing := dicom.ComputePublicID("P1", "ST1", "SE1", "I2")
	sender := &recordingSender{fail: map[string]bool{failing: true}}
	h := NewMoveHandler(idx, sender)
	it, err := h.Handle("DEST", map[dicom.Tag]string{dicom.TagStudyInstanceUID: "ST1"},
		"10.0.0.1", "MOD", "ORTHANC", 0)
	if err != nil {
		t.Fatalf("move handle failed: %v", err)
	}
	for i := 0; i < it.SubOperationCount(); i++ {
		it.DoNext()
	}

	// only the successful sub-operation lands in the export log
	rows, done, err := idx.GetExportedResources(0, 10)
	if err != nil || !done {
		t.Fatalf("GetExportedResources = (done=%v, %v)", done, err)
	}
	if len(rows) != 1 {
		t.Fatalf("export rows = %d, want only the successful transfer", len(rows))
	}
	e := rows[0]
	if e.Modality != "DEST" || e.PatientID != "P1" || e.StudyUID != "ST1" || e.SeriesUID != "SE1" || e.SopUID != "I1" {
		t.Errorf("export row = %+v", e)
	}
	if e.PublicID != dicom.ComputePublicID("P1", "ST1", "SE1", "I1") {
		t.Errorf("export row names the wrong instance: %q", e.PublicID)
	}
}

func TestGetHandlerCountsFailures(t *testing.T) {
	idx := newTestIndex(t)
	sh := NewStoreHandler(idx)
	mustStore(t, sh, "P1", "ST1", "SE1", "I1")
	mustStore(t, sh, "P1", "ST1", "SE1", "I2")

	failing := dicom.ComputePublicID("P1", "ST1", "SE1", "I2")
	sender := &recordingSender{fail: map[string]bool{failing: true}}
	h := NewGetHandler(idx, sender)

	ok, err := h.Handle(map[dicom.Tag]string{dicom.TagSeriesInstanceUID: "SE1"}, "10.0.0.1", "MOD", "ORTHANC")
	if err != nil || !ok {
		t.Fatalf("get handle = (%v, %v)", ok, err)
	}
	if h.RemainingCount() != 2 {
		t.Fatalf("remaining = %d, want 2", h.RemainingCount())
	}

	for h.RemainingCount() > 0 {
		h.DoNext()
	}
	if h.CompletedCount() != 1 || h.FailedCount() != 1 {
		t.Errorf("counters = completed %d / failed %d, want 1/1", h.CompletedCount(), h.FailedCount())
	}
	if uids := h.FailedUIDs(); len(uids) != 1 || uids[0] != failing {
		t.Errorf("failed uids = %v, want [%s]", uids, failing)
	}
}

func TestFindAnswersCropping(t *testing.T) {
	a := NewFindAnswers(2)
	for i := 0; i < 3; i++ {
		a.Add(map[dicom.Tag]dicom.Value{dicom.TagPatientID: dicom.StringValue(fmt.Sprintf("P%d", i))})
	}
	if a.Size() != 2 {
		t.Fatalf("size = %d, want the limit", a.Size())
	}
	if a.IsComplete() {
		t.Errorf("a cropped container must not report complete")
	}
	if v, _ := a.Get(0)[dicom.TagPatientID].GetContent(); v != "P0" {
		t.Errorf("answers must keep append order, got %q first", v)
	}

	unbounded := NewFindAnswers(0)
	for i := 0; i < 100; i++ {
		unbounded.Add(nil)
	}
	if unbounded.Size() != 100 || !unbounded.IsComplete() {
		t.Errorf("limit 0 must mean unbounded")
	}
}
