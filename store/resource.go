// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"time"

	"github.com/tidwall/buntdb"

	"github.com/jodogne/orthanc-go/cmn"
)

// resolve maps publicID to its internal id and level inside tx.
func (idx *Index) resolve(tx *buntdb.Tx, publicID string) (int64, cmn.ResourceLevel, error) {
	id, ok, err := idx.db.LookupPublicID(tx, publicID)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, cmn.NewAppError(cmn.UnknownResource, publicID)
	}
	_, level, _, err := idx.db.GetResource(tx, id)
	return id, level, err
}

// SetMetadata writes one metadata entry on an existing resource, replacing
// any prior value, and records an UpdatedMetadata change.
func (idx *Index) SetMetadata(publicID string, kind cmn.MetadataKind, value string) error {
	return idx.mutateMetadata(publicID, func(tx *buntdb.Tx, id int64) error {
		return idx.db.SetMetadata(tx, id, kind, value)
	})
}

// DeleteMetadata removes one metadata entry and records an UpdatedMetadata
// change; deleting an absent entry is a no-op that is still logged.
func (idx *Index) DeleteMetadata(publicID string, kind cmn.MetadataKind) error {
	return idx.mutateMetadata(publicID, func(tx *buntdb.Tx, id int64) error {
		return idx.db.DeleteMetadata(tx, id, kind)
	})
}

func (idx *Index) mutateMetadata(publicID string, fn func(tx *buntdb.Tx, id int64) error) error {
	var emitted Change
	err := idx.db.WithTx(func(tx *buntdb.Tx) error {
		id, level, err := idx.resolve(tx, publicID)
		if err != nil {
			return err
		}
		if err := fn(tx, id); err != nil {
			return err
		}
		seq, err := idx.db.RecordChange(tx, cmn.ChangeUpdatedMetadata, level, publicID, "")
		if err != nil {
			return err
		}
		emitted = newChange(seq, cmn.ChangeUpdatedMetadata, level, publicID)
		return nil
	})
	if err != nil {
		return err
	}
	idx.changes.emit(emitted)
	idx.stats.changesEmitted.Inc()
	return nil
}

// LookupMetadata reads one metadata entry of an existing resource.
func (idx *Index) LookupMetadata(publicID string, kind cmn.MetadataKind) (string, bool, error) {
	var value string
	var found bool
	err := idx.db.bunt.View(func(tx *buntdb.Tx) error {
		id, _, err := idx.resolve(tx, publicID)
		if err != nil {
			return err
		}
		value, found, err = idx.db.LookupMetadata(tx, id, kind)
		return err
	})
	return value, found, err
}

// AddAttachment stores content under a fresh blob and attaches it to an
// existing resource, recording an UpdatedAttachment change. Replacing an
// existing attachment of the same content type releases the prior blob
// only once the transaction has committed.
func (idx *Index) AddAttachment(publicID string, contentType cmn.ContentType, content []byte) error {
	uuid := cmn.GenUUID()
	if err := idx.area.Create(uuid, contentType, content); err != nil {
		return err
	}
	var replaced *FileDeletedSignal
	var emitted Change
	err := idx.db.WithTx(func(tx *buntdb.Tx) error {
		id, level, err := idx.resolve(tx, publicID)
		if err != nil {
			return err
		}
		if replaced, err = idx.db.DeleteAttachment(tx, id, contentType); err != nil {
			return err
		}
		if err := idx.db.AddAttachment(tx, id, contentType, attachmentRow{
			UUID:             uuid,
			UncompressedSize: int64(len(content)),
			CompressedSize:   int64(len(content)),
			UncompressedMD5:  md5hex(content),
			CompressedMD5:    md5hex(content),
		}); err != nil {
			return err
		}
		seq, err := idx.db.RecordChange(tx, cmn.ChangeUpdatedAttachment, level, publicID, "")
		if err != nil {
			return err
		}
		emitted = newChange(seq, cmn.ChangeUpdatedAttachment, level, publicID)
		return nil
	})
	if err != nil {
		idx.area.Remove(uuid, contentType)
		return err
	}
	if replaced != nil {
		idx.area.Remove(replaced.UUID, contentType)
	}
	idx.changes.emit(emitted)
	idx.stats.changesEmitted.Inc()
	return nil
}

// DeleteAttachment detaches and releases one attachment, recording an
// UpdatedAttachment change; the blob leaves the storage area only after
// the transaction has committed.
func (idx *Index) DeleteAttachment(publicID string, contentType cmn.ContentType) error {
	var sig *FileDeletedSignal
	var emitted Change
	err := idx.db.WithTx(func(tx *buntdb.Tx) error {
		id, level, err := idx.resolve(tx, publicID)
		if err != nil {
			return err
		}
		if sig, err = idx.db.DeleteAttachment(tx, id, contentType); err != nil {
			return err
		}
		if sig == nil {
			return cmn.NewAppError(cmn.InexistentItem, publicID)
		}
		seq, err := idx.db.RecordChange(tx, cmn.ChangeUpdatedAttachment, level, publicID, "")
		if err != nil {
			return err
		}
		emitted = newChange(seq, cmn.ChangeUpdatedAttachment, level, publicID)
		return nil
	})
	if err != nil {
		return err
	}
	idx.area.Remove(sig.UUID, contentType)
	idx.changes.emit(emitted)
	idx.stats.changesEmitted.Inc()
	return nil
}

// ExportedResource is one row of the outgoing-transfer log.
type ExportedResource struct {
	Seq       int64
	Level     cmn.ResourceLevel
	PublicID  string
	Modality  string
	PatientID string
	StudyUID  string
	SeriesUID string
	SopUID    string
	Date      string
}

// RecordExport appends one outgoing transfer to the exported-resources
// log; the date is stamped here.
func (idx *Index) RecordExport(e ExportedResource) error {
	return idx.db.WithTx(func(tx *buntdb.Tx) error {
		return idx.db.LogExportedResource(tx, exportRow{
			Level:     int(e.Level),
			PublicID:  e.PublicID,
			Modality:  e.Modality,
			PatientID: e.PatientID,
			StudyUID:  e.StudyUID,
			SeriesUID: e.SeriesUID,
			SopUID:    e.SopUID,
			Date:      time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// GetExportedResources pages through the export log with the same
// since/limit/done semantics as GetChanges.
func (idx *Index) GetExportedResources(since int64, limit int) ([]ExportedResource, bool, error) {
	var out []ExportedResource
	var done bool
	err := idx.db.bunt.View(func(tx *buntdb.Tx) error {
		rows, d, err := idx.db.GetExportedResources(tx, since, limit)
		if err != nil {
			return err
		}
		done = d
		for _, r := range rows {
			out = append(out, ExportedResource{
				Seq: r.Seq, Level: cmn.ResourceLevel(r.Level), PublicID: r.PublicID,
				Modality: r.Modality, PatientID: r.PatientID, StudyUID: r.StudyUID,
				SeriesUID: r.SeriesUID, SopUID: r.SopUID, Date: r.Date,
			})
		}
		return nil
	})
	return out, done, err
}
