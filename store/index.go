// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/dicom"
	"github.com/jodogne/orthanc-go/storage"
)

// Index sits above DB to enforce the storage quota and translate the
// wrapper's low-level signals into the high-level change broadcast. Blob
// deletions collected inside a transaction reach the storage area only
// after that transaction commits.
type Index struct {
	db       *DB
	area     storage.Area
	cache    *idCache
	changes  *broadcaster
	ancestor AncestorListener
	stable   *stableTracker
	cfg      *cmn.Config
	stats    *indexStats
}

func NewIndex(db *DB, area storage.Area, cfg *cmn.Config) *Index {
	return &Index{
		db:      db,
		area:    area,
		cache:   newIDCache(),
		changes: newBroadcaster(),
		stable:  newStableTracker(),
		cfg:     cfg,
		stats:   newIndexStats(),
	}
}

func (idx *Index) RegisterListener(kind cmn.ChangeKind, fn ChangeListener) error {
	return idx.changes.RegisterListener(kind, fn)
}

// SetAncestorListener installs the callback notified when a deletion
// leaves the deepest surviving ancestor with no children. At most one
// listener; a second call replaces the first.
func (idx *Index) SetAncestorListener(fn AncestorListener) {
	idx.ancestor = fn
}

// IngestRequest carries everything Store needs to persist one instance.
type IngestRequest struct {
	PatientUID, StudyUID, SeriesUID, InstanceUID string
	MainTags                                     map[dicom.Tag]string
	IdentifierTags                               map[dicom.Tag]string
	RemoteAet, TransferSyntax, SopClassUid       string
	Dicom                                        []byte
	DicomAsJSON                                  []byte
}

// InstanceMetadata is returned alongside a successful Store.
type InstanceMetadata struct {
	PublicID       string
	RemoteAet      string
	ReceptionDate  string
	TransferSyntax string
	SopClassUid    string
	IndexInSeries  int
}

// Store ingests one DICOM instance: computes the four public ids, creates
// missing ancestors under a single transaction, writes tags and primary
// attachments, enforces the storage quota, and returns the resulting
// status. The patient being ingested into is never selected as its own
// recycling victim.
func (idx *Index) Store(req IngestRequest) (cmn.StoreStatus, *InstanceMetadata, error) {
	patientPub := dicom.ComputePublicID(req.PatientUID)
	studyPub := dicom.ComputePublicID(req.PatientUID, req.StudyUID)
	seriesPub := dicom.ComputePublicID(req.PatientUID, req.StudyUID, req.SeriesUID)
	instancePub := dicom.ComputePublicID(req.PatientUID, req.StudyUID, req.SeriesUID, req.InstanceUID)

	var uuidDicom, uuidJSON string
	if len(req.Dicom) > 0 {
		uuidDicom = cmn.GenUUID()
		if err := idx.area.Create(uuidDicom, cmn.ContentDicom, req.Dicom); err != nil {
			return cmn.StoreFailure, nil, err
		}
	}
	if len(req.DicomAsJSON) > 0 {
		uuidJSON = cmn.GenUUID()
		if err := idx.area.Create(uuidJSON, cmn.ContentDicomAsJson, req.DicomAsJSON); err != nil {
			if uuidDicom != "" {
				idx.area.Remove(uuidDicom, cmn.ContentDicom)
			}
			return cmn.StoreFailure, nil, err
		}
	}
	rollbackBlobs := func() {
		if uuidDicom != "" {
			idx.area.Remove(uuidDicom, cmn.ContentDicom)
		}
		if uuidJSON != "" {
			idx.area.Remove(uuidJSON, cmn.ContentDicomAsJson)
		}
	}

	var (
		status   cmn.StoreStatus
		meta     *InstanceMetadata
		toRemove []FileDeletedSignal
		emitted  []Change
	)

	err := idx.db.WithTx(func(tx *buntdb.Tx) error {
		if _, ok, err := idx.db.LookupPublicID(tx, instancePub); err != nil {
			return err
		} else if ok {
			status = cmn.StoreAlreadyStored
			meta = &InstanceMetadata{PublicID: instancePub}
			return nil
		}

		patientID, _, err := idx.ensureResource(tx, patientPub, cmn.Patient, noParent, &emitted)
		if err != nil {
			return err
		}
		studyID, studyNew, err := idx.ensureResource(tx, studyPub, cmn.Study, patientID, &emitted)
		if err != nil {
			return err
		}
		seriesID, _, err := idx.ensureResource(tx, seriesPub, cmn.Series, studyID, &emitted)
		if err != nil {
			return err
		}

		// An existing study row whose parent is not this patient is kept
		// under its first parent and flagged in the change log. Study public
		// ids are derived from the patient UID too, so a study UID arriving
		// under a second patient UID creates a separate study beneath that
		// patient and is not flagged.
		if !studyNew {
			if _, _, parentID, err := idx.db.GetResource(tx, studyID); err == nil && parentID != patientID {
				if _, err := idx.db.RecordChange(tx, cmn.ChangeMultipleParentsDetected, cmn.Study, studyPub,
					"study seen under a second patient UID; first-seen parent kept"); err != nil {
					return err
				}
			}
		}

		instanceID, err := idx.db.CreateResource(tx, instancePub, cmn.Instance)
		if err != nil {
			return err
		}
		if err := idx.db.AttachChild(tx, seriesID, instanceID); err != nil {
			return err
		}
		seq, err := idx.db.RecordChange(tx, cmn.ChangeNewInstance, cmn.Instance, instancePub, "")
		if err != nil {
			return err
		}
		emitted = append(emitted, newChange(seq, cmn.ChangeNewInstance, cmn.Instance, instancePub))

		for tag, v := range req.MainTags {
			if err := idx.db.SetMainTag(tx, instanceID, tag, v); err != nil {
				return err
			}
		}
		for tag, v := range req.IdentifierTags {
			if err := idx.db.SetIdentifierTag(tx, instanceID, cmn.Instance, tag, v); err != nil {
				return err
			}
		}
		// The level-defining UIDs are also recorded on their own rows, so a
		// study/series/patient-level query resolves and projects without
		// touching the instances beneath it.
		for _, ix := range []struct {
			id    int64
			level cmn.ResourceLevel
			tag   dicom.Tag
			value string
		}{
			{patientID, cmn.Patient, dicom.TagPatientID, req.PatientUID},
			{studyID, cmn.Study, dicom.TagStudyInstanceUID, req.StudyUID},
			{seriesID, cmn.Series, dicom.TagSeriesInstanceUID, req.SeriesUID},
		} {
			if err := idx.db.SetIdentifierTag(tx, ix.id, ix.level, ix.tag, ix.value); err != nil {
				return err
			}
			if err := idx.db.SetMainTag(tx, ix.id, ix.tag, ix.value); err != nil {
				return err
			}
		}

		siblings, err := idx.db.children(tx, seriesID)
		if err != nil {
			return err
		}
		indexInSeries := len(siblings)

		receptionDate := time.Now().UTC().Format(time.RFC3339)
		for kind, v := range map[cmn.MetadataKind]string{
			cmn.MetadataRemoteAet:      req.RemoteAet,
			cmn.MetadataReceptionDate:  receptionDate,
			cmn.MetadataTransferSyntax: req.TransferSyntax,
			cmn.MetadataSopClassUid:    req.SopClassUid,
			cmn.MetadataIndexInSeries:  strconv.Itoa(indexInSeries),
		} {
			if err := idx.db.SetMetadata(tx, instanceID, kind, v); err != nil {
				return err
			}
		}

		if uuidDicom != "" {
			if err := idx.db.AddAttachment(tx, instanceID, cmn.ContentDicom, attachmentRow{
				UUID: uuidDicom, UncompressedSize: int64(len(req.Dicom)), CompressedSize: int64(len(req.Dicom)),
				UncompressedMD5: md5hex(req.Dicom), CompressedMD5: md5hex(req.Dicom),
			}); err != nil {
				return err
			}
		}
		if uuidJSON != "" {
			if err := idx.db.AddAttachment(tx, instanceID, cmn.ContentDicomAsJson, attachmentRow{
				UUID: uuidJSON, UncompressedSize: int64(len(req.DicomAsJSON)), CompressedSize: int64(len(req.DicomAsJSON)),
				UncompressedMD5: md5hex(req.DicomAsJSON), CompressedMD5: md5hex(req.DicomAsJSON),
			}); err != nil {
				return err
			}
		}

		// Quota enforcement: evict oldest unprotected patients until the
		// post-insert total fits, never picking the patient this instance
		// belongs to.
		if idx.cfg.Storage.MaximumStorageSize > 0 {
			for {
				total, err := idx.db.GetTotalCompressedSize(tx)
				if err != nil {
					return err
				}
				if total <= idx.cfg.Storage.MaximumStorageSize {
					break
				}
				victim, ok, err := idx.db.SelectPatientToRecycle(tx, patientID)
				if err != nil {
					return err
				}
				if !ok {
					return cmn.NewAppError(cmn.FullStorage, "")
				}
				res, err := idx.db.DeleteResource(tx, victim, func() (int64, error) { return idx.db.NextChangeSeq(tx) })
				if err != nil {
					return err
				}
				toRemove = append(toRemove, res.FilesDeleted...)
				for i, pub := range res.DeletedPublicIDs {
					emitted = append(emitted, newChange(res.DeletedSeqs[i], cmn.ChangeDeleted, res.DeletedLevels[i], pub))
				}
			}
		}

		status = cmn.StoreSuccess
		meta = &InstanceMetadata{
			PublicID:       instancePub,
			RemoteAet:      req.RemoteAet,
			ReceptionDate:  receptionDate,
			TransferSyntax: req.TransferSyntax,
			SopClassUid:    req.SopClassUid,
			IndexInSeries:  indexInSeries,
		}
		idx.cache.put(patientPub, patientID)
		idx.cache.put(studyPub, studyID)
		idx.cache.put(seriesPub, seriesID)
		idx.cache.put(instancePub, instanceID)
		return nil
	})

	if err != nil {
		rollbackBlobs()
		if ae, ok := err.(*cmn.AppError); ok {
			return cmn.StoreFailure, nil, ae
		}
		return cmn.StoreFailure, nil, cmn.WrapAppError(cmn.InternalError, err, "store")
	}

	if status == cmn.StoreAlreadyStored {
		rollbackBlobs()
		return status, meta, nil
	}

	for _, sig := range toRemove {
		idx.area.Remove(sig.UUID, sig.ContentType)
	}
	deleted := 0
	for _, c := range emitted {
		if c.Kind == cmn.ChangeDeleted {
			deleted++
			idx.cache.remove(c.PublicID)
			idx.stable.forget(c.PublicID)
		}
		idx.changes.emit(c)
		idx.stats.changesEmitted.Inc()
	}
	idx.stable.touch(cmn.Patient, patientPub, idx.cfg.Storage.StableAge)
	idx.stable.touch(cmn.Study, studyPub, idx.cfg.Storage.StableAge)
	idx.stable.touch(cmn.Series, seriesPub, idx.cfg.Storage.StableAge)
	idx.stats.deletes.Add(float64(deleted))
	idx.stats.instancesStored.Inc()
	return status, meta, nil
}

func md5hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// ensureResource looks up publicID, creating it (and appending a NewX
// change) if absent; it returns (internalID, created).
func (idx *Index) ensureResource(tx *buntdb.Tx, publicID string, level cmn.ResourceLevel, parentID int64, emitted *[]Change) (int64, bool, error) {
	if id, ok, err := idx.db.LookupPublicID(tx, publicID); err != nil {
		return 0, false, err
	} else if ok {
		return id, false, nil
	}
	id, err := idx.db.CreateResource(tx, publicID, level)
	if err != nil {
		return 0, false, err
	}
	if parentID != noParent {
		if err := idx.db.AttachChild(tx, parentID, id); err != nil {
			return 0, false, err
		}
	}
	kind := map[cmn.ResourceLevel]cmn.ChangeKind{
		cmn.Patient: cmn.ChangeNewPatient,
		cmn.Study:   cmn.ChangeNewStudy,
		cmn.Series:  cmn.ChangeNewSeries,
	}[level]
	seq, err := idx.db.RecordChange(tx, kind, level, publicID, "")
	if err != nil {
		return 0, false, err
	}
	*emitted = append(*emitted, newChange(seq, kind, level, publicID))
	return id, true, nil
}

func newChange(seq int64, kind cmn.ChangeKind, level cmn.ResourceLevel, publicID string) Change {
	return Change{Seq: seq, Kind: kind, Level: level, PublicID: publicID, Date: time.Now().UTC().Format(time.RFC3339)}
}

// DeleteResource resolves publicID to an internal id, cascades via DB, and
// releases storage bytes for every collected file-deleted signal only
// after the transaction commits.
func (idx *Index) DeleteResource(publicID string) error {
	var result *DeleteResult
	err := idx.db.WithTx(func(tx *buntdb.Tx) error {
		id, ok, err := idx.db.LookupPublicID(tx, publicID)
		if err != nil {
			return err
		}
		if !ok {
			return cmn.NewAppError(cmn.UnknownResource, publicID)
		}
		result, err = idx.db.DeleteResource(tx, id, func() (int64, error) { return idx.db.NextChangeSeq(tx) })
		return err
	})
	if err != nil {
		return err
	}
	for _, sig := range result.FilesDeleted {
		idx.area.Remove(sig.UUID, sig.ContentType)
	}
	for i, pub := range result.DeletedPublicIDs {
		idx.cache.remove(pub)
		idx.stable.forget(pub)
		idx.changes.emit(newChange(result.DeletedSeqs[i], cmn.ChangeDeleted, result.DeletedLevels[i], pub))
	}
	if result.RemainingAncestor != nil && idx.ancestor != nil {
		idx.ancestor(result.RemainingAncestor.Level, result.RemainingAncestor.PublicID)
	}
	idx.stats.deletes.Add(float64(len(result.DeletedPublicIDs)))
	return nil
}

// LookupIdentifierExact returns the public ids of the level's resources
// whose identifier tag equals value.
func (idx *Index) LookupIdentifierExact(level cmn.ResourceLevel, tag dicom.Tag, value string) ([]string, error) {
	return idx.LookupIdentifier(level, tag, cmn.ConstraintEqual, value)
}

// LookupIdentifier is the general constraint-driven form behind C-FIND
// matching: Equal, GreaterOrEqual, SmallerOrEqual, or anchored Wildcard.
func (idx *Index) LookupIdentifier(level cmn.ResourceLevel, tag dicom.Tag, constraint cmn.IdentifierConstraint, value string) ([]string, error) {
	var out []string
	err := idx.db.bunt.View(func(tx *buntdb.Tx) error {
		ids, err := idx.db.LookupIdentifier(tx, level, tag, constraint, value)
		if err != nil {
			return err
		}
		for _, id := range ids {
			pub, _, _, err := idx.db.GetResource(tx, id)
			if err != nil {
				return err
			}
			out = append(out, pub)
		}
		return nil
	})
	return out, err
}

// GetMainTags returns every main DICOM tag recorded for publicID, used to
// project a matched resource onto the tags a C-FIND remote asked to have
// returned.
func (idx *Index) GetMainTags(publicID string) (map[dicom.Tag]string, error) {
	var out map[dicom.Tag]string
	err := idx.db.bunt.View(func(tx *buntdb.Tx) error {
		id, found, err := idx.db.LookupPublicID(tx, publicID)
		if err != nil {
			return err
		}
		if !found {
			return cmn.NewAppError(cmn.UnknownResource, publicID)
		}
		out, err = idx.db.GetMainTags(tx, id)
		return err
	})
	return out, err
}

// ListInstances resolves publicID (at any resource level, itself included)
// to every instance public id beneath it, the hierarchy walk the default
// C-MOVE/C-GET handlers use to expand one Q/R match into the set of
// instances to transfer.
func (idx *Index) ListInstances(publicID string) ([]string, error) {
	var out []string
	err := idx.db.bunt.View(func(tx *buntdb.Tx) error {
		id, found, err := idx.db.LookupPublicID(tx, publicID)
		if err != nil {
			return err
		}
		if !found {
			return cmn.NewAppError(cmn.UnknownResource, publicID)
		}
		return idx.collectInstances(tx, id, &out)
	})
	return out, err
}

func (idx *Index) collectInstances(tx *buntdb.Tx, id int64, out *[]string) error {
	pub, level, _, err := idx.db.GetResource(tx, id)
	if err != nil {
		return err
	}
	if level == cmn.Instance {
		*out = append(*out, pub)
		return nil
	}
	kids, err := idx.db.children(tx, id)
	if err != nil {
		return err
	}
	for _, kid := range kids {
		if err := idx.collectInstances(tx, kid, out); err != nil {
			return err
		}
	}
	return nil
}

// Statistics aggregates the resource counts and attachment sizes reported
// to dashboards.
type Statistics struct {
	Patients, Studies, Series, Instances int64
	TotalCompressedSize                  int64
	TotalUncompressedSize                int64
}

func (idx *Index) GetStatistics() (Statistics, error) {
	var s Statistics
	err := idx.db.bunt.View(func(tx *buntdb.Tx) error {
		var err error
		if s.Patients, err = idx.db.GetResourceCount(tx, cmn.Patient); err != nil {
			return err
		}
		if s.Studies, err = idx.db.GetResourceCount(tx, cmn.Study); err != nil {
			return err
		}
		if s.Series, err = idx.db.GetResourceCount(tx, cmn.Series); err != nil {
			return err
		}
		if s.Instances, err = idx.db.GetResourceCount(tx, cmn.Instance); err != nil {
			return err
		}
		if s.TotalCompressedSize, err = idx.db.GetTotalCompressedSize(tx); err != nil {
			return err
		}
		if s.TotalUncompressedSize, err = idx.db.GetTotalUncompressedSize(tx); err != nil {
			return err
		}
		return nil
	})
	idx.stats.totalCompressedSize.Set(float64(s.TotalCompressedSize))
	return s, err
}

func (idx *Index) GetChanges(since int64, limit int) ([]Change, bool, error) {
	var out []Change
	var done bool
	err := idx.db.bunt.View(func(tx *buntdb.Tx) error {
		rows, d, err := idx.db.GetChanges(tx, since, limit)
		if err != nil {
			return err
		}
		done = d
		for _, r := range rows {
			out = append(out, Change{Seq: r.Seq, Kind: cmn.ChangeKind(r.ChangeType), Level: cmn.ResourceLevel(r.Level),
				PublicID: r.PublicID, Date: r.Date, Detail: r.Detail})
		}
		return nil
	})
	return out, done, err
}
