// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/dicom"
)

// memArea is an in-memory storage area recording every Create and Remove,
// so tests can assert that blob side effects happen (and happen only after
// the enclosing database transaction committed).
type memArea struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	removed []string
}

func newMemArea() *memArea { return &memArea{blobs: map[string][]byte{}} }

func (a *memArea) key(uuid string, ct cmn.ContentType) string {
	return fmt.Sprintf("%s-%d", uuid, ct)
}

func (a *memArea) Create(uuid string, ct cmn.ContentType, content []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blobs[a.key(uuid, ct)] = content
	return nil
}

func (a *memArea) Read(uuid string, ct cmn.ContentType) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blobs[a.key(uuid, ct)]
	if !ok {
		return nil, cmn.NewAppError(cmn.InexistentFile, uuid)
	}
	return b, nil
}

func (a *memArea) ReadRange(uuid string, ct cmn.ContentType, start, end int64) ([]byte, error) {
	b, err := a.Read(uuid, ct)
	if err != nil {
		return nil, err
	}
	return b[start:end], nil
}

func (a *memArea) Remove(uuid string, ct cmn.ContentType) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.blobs, a.key(uuid, ct))
	a.removed = append(a.removed, uuid)
	return nil
}

func (a *memArea) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blobs)
}

func newTestIndex(t *testing.T, maxStorage int64) (*Index, *memArea) {
	t.Helper()
	db := openTestDB(t)
	area := newMemArea()
	cfg := cmn.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	cfg.Storage.MaximumStorageSize = maxStorage
	return NewIndex(db, area, cfg), area
}

func ingestReq(patient, study, series, instance string, payload []byte) IngestRequest {
	return IngestRequest{
		PatientUID:  patient,
		StudyUID:    study,
		SeriesUID:   series,
		InstanceUID: instance,
		MainTags: map[dicom.Tag]string{
			dicom.TagPatientID:         patient,
			dicom.TagStudyInstanceUID:  study,
			dicom.TagSeriesInstanceUID: series,
			dicom.TagSOPInstanceUID:    instance,
		},
		IdentifierTags: map[dicom.Tag]string{
			dicom.TagSOPInstanceUID: instance,
		},
		RemoteAet:      "MODALITY",
		TransferSyntax: "1.2.840.10008.1.2.1",
		SopClassUid:    "1.2.840.10008.5.1.4.1.1.2",
		Dicom:          payload,
	}
}

func TestStoreCreatesHierarchy(t *testing.T) {
	idx, area := newTestIndex(t, 0)

	var newKinds []cmn.ChangeKind
	for _, kind := range []cmn.ChangeKind{cmn.ChangeNewPatient, cmn.ChangeNewStudy, cmn.ChangeNewSeries, cmn.ChangeNewInstance} {
		kind := kind
		if err := idx.RegisterListener(kind, func(c Change) { newKinds = append(newKinds, c.Kind) }); err != nil {
			t.Fatalf("RegisterListener failed: %v", err)
		}
	}

	status, meta, err := idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("dicomdata")))
	if err != nil || status != cmn.StoreSuccess {
		t.Fatalf("Store = (%v, %v), want success", status, err)
	}
	if meta.PublicID != dicom.ComputePublicID("P1", "ST1", "SE1", "I1") {
		t.Errorf("instance public id = %q", meta.PublicID)
	}
	if meta.RemoteAet != "MODALITY" || meta.ReceptionDate == "" || meta.IndexInSeries != 1 {
		t.Errorf("instance metadata = %+v", meta)
	}

	stats, err := idx.GetStatistics()
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.Patients != 1 || stats.Studies != 1 || stats.Series != 1 || stats.Instances != 1 {
		t.Errorf("counts = %+v, want 1/1/1/1", stats)
	}
	if stats.TotalCompressedSize != int64(len("dicomdata")) {
		t.Errorf("TotalCompressedSize = %d", stats.TotalCompressedSize)
	}
	if area.count() != 1 {
		t.Errorf("storage area holds %d blobs, want 1", area.count())
	}

	want := []cmn.ChangeKind{cmn.ChangeNewPatient, cmn.ChangeNewStudy, cmn.ChangeNewSeries, cmn.ChangeNewInstance}
	if len(newKinds) != len(want) {
		t.Fatalf("change broadcast = %v, want %v", newKinds, want)
	}
	for i := range want {
		if newKinds[i] != want[i] {
			t.Errorf("change broadcast[%d] = %v, want %v", i, newKinds[i], want[i])
		}
	}

	// second instance of the same series only creates the instance
	status, meta, err = idx.Store(ingestReq("P1", "ST1", "SE1", "I2", []byte("x")))
	if err != nil || status != cmn.StoreSuccess {
		t.Fatalf("second Store = (%v, %v)", status, err)
	}
	if meta.IndexInSeries != 2 {
		t.Errorf("IndexInSeries of the second instance = %d, want 2", meta.IndexInSeries)
	}
}

func TestStoreAlreadyStored(t *testing.T) {
	idx, area := newTestIndex(t, 0)
	if _, _, err := idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("abc"))); err != nil {
		t.Fatalf("first Store failed: %v", err)
	}
	before := area.count()

	status, meta, err := idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("abc")))
	if err != nil || status != cmn.StoreAlreadyStored {
		t.Fatalf("duplicate Store = (%v, %v), want AlreadyStored", status, err)
	}
	if meta == nil || meta.PublicID != dicom.ComputePublicID("P1", "ST1", "SE1", "I1") {
		t.Errorf("AlreadyStored must return the existing instance id, got %+v", meta)
	}
	if area.count() != before {
		t.Errorf("duplicate ingest leaked blobs: %d -> %d", before, area.count())
	}
}

func TestDeleteReleasesBlobsAfterCommit(t *testing.T) {
	idx, area := newTestIndex(t, 0)
	if _, _, err := idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("abc"))); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	var deleted []string
	if err := idx.RegisterListener(cmn.ChangeDeleted, func(c Change) { deleted = append(deleted, c.PublicID) }); err != nil {
		t.Fatalf("RegisterListener failed: %v", err)
	}

	patientPub := dicom.ComputePublicID("P1")
	if err := idx.DeleteResource(patientPub); err != nil {
		t.Fatalf("DeleteResource failed: %v", err)
	}
	if area.count() != 0 {
		t.Errorf("blobs remain after patient delete: %d", area.count())
	}
	if len(deleted) != 4 {
		t.Errorf("Deleted changes = %v, want 4 (instance, series, study, patient)", deleted)
	}
	stats, _ := idx.GetStatistics()
	if stats.Patients != 0 || stats.Instances != 0 || stats.TotalCompressedSize != 0 {
		t.Errorf("statistics after delete = %+v, want zeros", stats)
	}
	if err := idx.DeleteResource(patientPub); err == nil {
		t.Errorf("deleting an absent resource must fail")
	}
}

func TestDeleteSignalsRemainingAncestor(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))
	idx.Store(ingestReq("P1", "ST1", "SE1", "I2", []byte("b")))

	var gotLevel cmn.ResourceLevel
	var gotPub string
	var calls int
	idx.SetAncestorListener(func(level cmn.ResourceLevel, publicID string) {
		calls++
		gotLevel, gotPub = level, publicID
	})

	if err := idx.DeleteResource(dicom.ComputePublicID("P1", "ST1", "SE1", "I1")); err != nil {
		t.Fatalf("delete first instance: %v", err)
	}
	if calls != 0 {
		t.Fatalf("series still has a child, listener called %d times", calls)
	}
	if err := idx.DeleteResource(dicom.ComputePublicID("P1", "ST1", "SE1", "I2")); err != nil {
		t.Fatalf("delete second instance: %v", err)
	}
	if calls != 1 || gotLevel != cmn.Series || gotPub != dicom.ComputePublicID("P1", "ST1", "SE1") {
		t.Errorf("ancestor listener = (%d calls, %v, %q), want one call naming the series", calls, gotLevel, gotPub)
	}
}

func TestQuotaRecyclesOldestPatient(t *testing.T) {
	idx, _ := newTestIndex(t, 10)

	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("P%02d", i+1)
		status, _, err := idx.Store(ingestReq(p, p+"-ST", p+"-SE", p+"-I", []byte{byte(i)}))
		if err != nil || status != cmn.StoreSuccess {
			t.Fatalf("ingest %d = (%v, %v)", i, status, err)
		}
	}

	// the 11th 1-byte instance pushes the total to 11 and must evict the
	// oldest patient, never the one being ingested
	status, _, err := idx.Store(ingestReq("P11", "P11-ST", "P11-SE", "P11-I", []byte{0xff}))
	if err != nil || status != cmn.StoreSuccess {
		t.Fatalf("11th ingest = (%v, %v)", status, err)
	}

	stats, err := idx.GetStatistics()
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.Patients != 10 {
		t.Errorf("patients after recycling = %d, want 10", stats.Patients)
	}
	if stats.TotalCompressedSize != 10 {
		t.Errorf("total size after recycling = %d, want 10", stats.TotalCompressedSize)
	}
	if ids, _ := idx.LookupIdentifierExact(cmn.Patient, dicom.TagPatientID, "P01"); len(ids) != 0 {
		t.Errorf("oldest patient still present after recycling: %v", ids)
	}
	if ids, _ := idx.LookupIdentifierExact(cmn.Patient, dicom.TagPatientID, "P11"); len(ids) != 1 {
		t.Errorf("newest patient missing after its own ingest: %v", ids)
	}
}

func TestQuotaFailsWithoutVictim(t *testing.T) {
	idx, area := newTestIndex(t, 3)

	if _, _, err := idx.Store(ingestReq("P1", "ST", "SE", "I1", []byte("ab"))); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	// same patient again: it cannot recycle itself, so the quota cannot be
	// met and the whole ingest rolls back
	status, _, err := idx.Store(ingestReq("P1", "ST", "SE", "I2", []byte("cd")))
	if status != cmn.StoreFailure {
		t.Fatalf("over-quota ingest = %v, want failure", status)
	}
	ae, ok := err.(*cmn.AppError)
	if !ok || ae.Kind != cmn.FullStorage {
		t.Fatalf("over-quota ingest error = %v, want FullStorage", err)
	}
	if area.count() != 1 {
		t.Errorf("failed ingest leaked blobs: %d, want 1", area.count())
	}
	stats, _ := idx.GetStatistics()
	if stats.Instances != 1 {
		t.Errorf("instances after rollback = %d, want 1", stats.Instances)
	}
}

func TestListInstancesWalksHierarchy(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))
	idx.Store(ingestReq("P1", "ST1", "SE1", "I2", []byte("b")))
	idx.Store(ingestReq("P1", "ST1", "SE2", "I3", []byte("c")))

	cases := []struct {
		pub  string
		want int
	}{
		{dicom.ComputePublicID("P1"), 3},
		{dicom.ComputePublicID("P1", "ST1"), 3},
		{dicom.ComputePublicID("P1", "ST1", "SE1"), 2},
		{dicom.ComputePublicID("P1", "ST1", "SE1", "I1"), 1},
	}
	for _, c := range cases {
		got, err := idx.ListInstances(c.pub)
		if err != nil || len(got) != c.want {
			t.Errorf("ListInstances(%q) = %d instances (%v), want %d", c.pub, len(got), err, c.want)
		}
	}
	if _, err := idx.ListInstances("absent"); err == nil {
		t.Errorf("ListInstances on an unknown id must fail")
	}
}

func TestLookupIdentifierLevels(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))

	cases := []struct {
		level cmn.ResourceLevel
		tag   dicom.Tag
		value string
		pub   string
	}{
		{cmn.Patient, dicom.TagPatientID, "P1", dicom.ComputePublicID("P1")},
		{cmn.Study, dicom.TagStudyInstanceUID, "ST1", dicom.ComputePublicID("P1", "ST1")},
		{cmn.Series, dicom.TagSeriesInstanceUID, "SE1", dicom.ComputePublicID("P1", "ST1", "SE1")},
		{cmn.Instance, dicom.TagSOPInstanceUID, "I1", dicom.ComputePublicID("P1", "ST1", "SE1", "I1")},
	}
	for _, c := range cases {
		got, err := idx.LookupIdentifierExact(c.level, c.tag, c.value)
		if err != nil || len(got) != 1 || got[0] != c.pub {
			t.Errorf("LookupIdentifierExact(%v, %q) = (%v, %v), want [%q]", c.level, c.value, got, err, c.pub)
		}
	}
}

func TestGetChangesThroughIndex(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))

	changes, done, err := idx.GetChanges(0, 10)
	if err != nil || !done {
		t.Fatalf("GetChanges = (done=%v, %v)", done, err)
	}
	if len(changes) != 4 {
		t.Fatalf("expected 4 changes for a fresh ingest, got %d", len(changes))
	}
	wantKinds := []cmn.ChangeKind{cmn.ChangeNewPatient, cmn.ChangeNewStudy, cmn.ChangeNewSeries, cmn.ChangeNewInstance}
	for i, c := range changes {
		if c.Kind != wantKinds[i] {
			t.Errorf("change[%d].Kind = %v, want %v", i, c.Kind, wantKinds[i])
		}
		if i > 0 && changes[i].Seq <= changes[i-1].Seq {
			t.Errorf("change sequence not increasing: %d then %d", changes[i-1].Seq, changes[i].Seq)
		}
	}
}

func TestDuplicateListenerRejected(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	if err := idx.RegisterListener(cmn.ChangeNewInstance, func(Change) {}); err != nil {
		t.Fatalf("first RegisterListener failed: %v", err)
	}
	err := idx.RegisterListener(cmn.ChangeNewInstance, func(Change) {})
	ae, ok := err.(*cmn.AppError)
	if !ok || ae.Kind != cmn.BadSequenceOfCalls {
		t.Errorf("second RegisterListener = %v, want BadSequenceOfCalls", err)
	}
}

func TestStableChangesAfterInactivity(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	idx.cfg.Storage.StableAge = 30 * time.Millisecond

	var stable []cmn.ChangeKind
	for _, kind := range []cmn.ChangeKind{cmn.ChangeStablePatient, cmn.ChangeStableStudy, cmn.ChangeStableSeries} {
		if err := idx.RegisterListener(kind, func(c Change) { stable = append(stable, c.Kind) }); err != nil {
			t.Fatalf("RegisterListener failed: %v", err)
		}
	}
	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))

	if err := idx.SweepStable(); err != nil {
		t.Fatalf("SweepStable failed: %v", err)
	}
	if len(stable) != 0 {
		t.Fatalf("resources reported stable before the age elapsed: %v", stable)
	}

	time.Sleep(50 * time.Millisecond)
	if err := idx.SweepStable(); err != nil {
		t.Fatalf("SweepStable failed: %v", err)
	}
	counts := map[cmn.ChangeKind]int{}
	for _, k := range stable {
		counts[k]++
	}
	if counts[cmn.ChangeStablePatient] != 1 || counts[cmn.ChangeStableStudy] != 1 || counts[cmn.ChangeStableSeries] != 1 {
		t.Fatalf("stable broadcast = %v, want one per level", stable)
	}

	// the stable changes are persisted in the change log too
	changes, _, err := idx.GetChanges(0, 100)
	if err != nil {
		t.Fatalf("GetChanges failed: %v", err)
	}
	persisted := 0
	for _, c := range changes {
		switch c.Kind {
		case cmn.ChangeStablePatient, cmn.ChangeStableStudy, cmn.ChangeStableSeries:
			persisted++
		}
	}
	if persisted != 3 {
		t.Errorf("persisted stable changes = %d, want 3", persisted)
	}

	// a second sweep has nothing left to report
	stable = nil
	if err := idx.SweepStable(); err != nil {
		t.Fatalf("SweepStable failed: %v", err)
	}
	if len(stable) != 0 {
		t.Errorf("a resource must be reported stable exactly once, got %v", stable)
	}
}

func TestStableSkipsDeletedResources(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	idx.cfg.Storage.StableAge = 10 * time.Millisecond

	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))
	if err := idx.DeleteResource(dicom.ComputePublicID("P1")); err != nil {
		t.Fatalf("DeleteResource failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := idx.SweepStable(); err != nil {
		t.Fatalf("SweepStable failed: %v", err)
	}
	changes, _, _ := idx.GetChanges(0, 100)
	for _, c := range changes {
		switch c.Kind {
		case cmn.ChangeStablePatient, cmn.ChangeStableStudy, cmn.ChangeStableSeries:
			t.Fatalf("deleted resource reported stable: %+v", c)
		}
	}
}

func TestStableReArmsOnNewInstance(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	idx.cfg.Storage.StableAge = 40 * time.Millisecond

	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))
	time.Sleep(25 * time.Millisecond)
	idx.Store(ingestReq("P1", "ST1", "SE1", "I2", []byte("b")))
	time.Sleep(25 * time.Millisecond)
	// 50ms after the first instance, but only 25ms after the second: the
	// chain must still be unstable
	if err := idx.SweepStable(); err != nil {
		t.Fatalf("SweepStable failed: %v", err)
	}
	changes, _, _ := idx.GetChanges(0, 100)
	for _, c := range changes {
		switch c.Kind {
		case cmn.ChangeStablePatient, cmn.ChangeStableStudy, cmn.ChangeStableSeries:
			t.Fatalf("a new instance must re-arm the stability timer, got %+v", c)
		}
	}
}

func TestUpdatedMetadataChange(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	var got []Change
	if err := idx.RegisterListener(cmn.ChangeUpdatedMetadata, func(c Change) { got = append(got, c) }); err != nil {
		t.Fatalf("RegisterListener failed: %v", err)
	}
	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))
	instPub := dicom.ComputePublicID("P1", "ST1", "SE1", "I1")

	if err := idx.SetMetadata(instPub, cmn.UserMetadataBase, "v1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if v, ok, err := idx.LookupMetadata(instPub, cmn.UserMetadataBase); err != nil || !ok || v != "v1" {
		t.Fatalf("LookupMetadata = (%q, %v, %v), want v1", v, ok, err)
	}
	if err := idx.SetMetadata(instPub, cmn.UserMetadataBase, "v2"); err != nil {
		t.Fatalf("replacing SetMetadata failed: %v", err)
	}
	if v, _, _ := idx.LookupMetadata(instPub, cmn.UserMetadataBase); v != "v2" {
		t.Fatalf("LookupMetadata after replace = %q, want v2", v)
	}
	if err := idx.DeleteMetadata(instPub, cmn.UserMetadataBase); err != nil {
		t.Fatalf("DeleteMetadata failed: %v", err)
	}
	if _, ok, _ := idx.LookupMetadata(instPub, cmn.UserMetadataBase); ok {
		t.Fatalf("metadata still present after delete")
	}

	if len(got) != 3 {
		t.Fatalf("UpdatedMetadata broadcast = %d events, want 3", len(got))
	}
	for _, c := range got {
		if c.Level != cmn.Instance || c.PublicID != instPub {
			t.Errorf("UpdatedMetadata change = %+v, want the instance", c)
		}
	}

	if err := idx.SetMetadata("absent", cmn.UserMetadataBase, "x"); err == nil {
		t.Errorf("SetMetadata on an unknown resource must fail")
	}
}

func TestUpdatedAttachmentChange(t *testing.T) {
	idx, area := newTestIndex(t, 0)
	var got []Change
	if err := idx.RegisterListener(cmn.ChangeUpdatedAttachment, func(c Change) { got = append(got, c) }); err != nil {
		t.Fatalf("RegisterListener failed: %v", err)
	}
	idx.Store(ingestReq("P1", "ST1", "SE1", "I1", []byte("a")))
	instPub := dicom.ComputePublicID("P1", "ST1", "SE1", "I1")

	if err := idx.AddAttachment(instPub, cmn.UserContentTypeBase, []byte("report")); err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if area.count() != 2 {
		t.Fatalf("blobs = %d, want the dicom blob plus the new attachment", area.count())
	}

	// replacing swaps the blob, the count stays put
	if err := idx.AddAttachment(instPub, cmn.UserContentTypeBase, []byte("report-v2")); err != nil {
		t.Fatalf("replacing AddAttachment failed: %v", err)
	}
	if area.count() != 2 {
		t.Fatalf("blobs after replace = %d, want 2", area.count())
	}
	stats, _ := idx.GetStatistics()
	if want := int64(len("a") + len("report-v2")); stats.TotalCompressedSize != want {
		t.Errorf("TotalCompressedSize = %d, want %d", stats.TotalCompressedSize, want)
	}

	if err := idx.DeleteAttachment(instPub, cmn.UserContentTypeBase); err != nil {
		t.Fatalf("DeleteAttachment failed: %v", err)
	}
	if area.count() != 1 {
		t.Errorf("blobs after delete = %d, want 1", area.count())
	}
	if err := idx.DeleteAttachment(instPub, cmn.UserContentTypeBase); err == nil {
		t.Errorf("deleting an absent attachment must fail")
	}

	if len(got) != 3 {
		t.Fatalf("UpdatedAttachment broadcast = %d events, want 3", len(got))
	}

	if err := idx.AddAttachment("absent", cmn.UserContentTypeBase, []byte("x")); err == nil {
		t.Errorf("AddAttachment on an unknown resource must fail")
	}
}

func TestExportedResourcesLogThroughIndex(t *testing.T) {
	idx, _ := newTestIndex(t, 0)
	for i := 0; i < 3; i++ {
		if err := idx.RecordExport(ExportedResource{
			Level: cmn.Instance, PublicID: fmt.Sprintf("inst-%d", i), Modality: "PACS",
			PatientID: "P1", StudyUID: "ST1", SeriesUID: "SE1", SopUID: fmt.Sprintf("1.2.%d", i),
		}); err != nil {
			t.Fatalf("RecordExport failed: %v", err)
		}
	}

	page, done, err := idx.GetExportedResources(0, 2)
	if err != nil || len(page) != 2 || done {
		t.Fatalf("GetExportedResources(0, 2) = (%d rows, done=%v, %v), want 2 rows not done", len(page), done, err)
	}
	if page[0].Modality != "PACS" || page[0].Date == "" || page[0].Seq >= page[1].Seq {
		t.Errorf("export rows malformed: %+v", page)
	}
	rest, done, err := idx.GetExportedResources(page[1].Seq, 2)
	if err != nil || len(rest) != 1 || !done {
		t.Fatalf("GetExportedResources(last, 2) = (%d rows, done=%v, %v), want 1 row done", len(rest), done, err)
	}
}
