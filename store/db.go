// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/cmn/debug"
	"github.com/jodogne/orthanc-go/dicom"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// FileDeletedSignal is emitted inline during a DeleteResource transaction
// for every removed attachment, carrying the storage uuid the caller (the
// resource index) must release only after the transaction commits, so that
// a rollback never leaks bytes.
type FileDeletedSignal struct {
	UUID        string
	ContentType cmn.ContentType
}

// RemainingAncestorSignal is emitted at most once per DeleteResource call,
// identifying the deepest surviving ancestor left with no children.
type RemainingAncestorSignal struct {
	Level    cmn.ResourceLevel
	PublicID string
}

// DeleteResult carries every signal DeleteResource produced within its
// transaction, for the resource index to act on post-commit.
type DeleteResult struct {
	DeletedPublicIDs  []string
	DeletedLevels     []cmn.ResourceLevel
	DeletedSeqs       []int64
	FilesDeleted      []FileDeletedSignal
	RemainingAncestor *RemainingAncestorSignal
}

// DB is the transactional relational store beneath the resource index.
// Exported methods run inside a buntdb transaction the caller supplies
// (through WithTx, or a read-only View), so several of them can be batched
// into one atomic unit.
type DB struct {
	bunt *buntdb.DB
}

// Open opens (creating if absent) the database at path and validates its
// schema version; a database written by a newer schema is rejected rather
// than migrated backwards.
func Open(path string) (*DB, error) {
	bunt, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	db := &DB{bunt: bunt}
	if err := db.ensureSchema(); err != nil {
		bunt.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.bunt.Close() }

func (db *DB) ensureSchema() error {
	return db.bunt.Update(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyProp(int(cmn.GlobalPropertySchemaVersion)))
		if err == buntdb.ErrNotFound {
			_, _, err := tx.Set(keyProp(int(cmn.GlobalPropertySchemaVersion)), strconv.Itoa(cmn.CurrentSchemaVersion), nil)
			return err
		}
		if err != nil {
			return err
		}
		ver, convErr := strconv.Atoi(v)
		if convErr != nil || ver > cmn.CurrentSchemaVersion {
			return cmn.NewAppError(cmn.IncompatibleDatabaseVersion, v)
		}
		return nil
	})
}

// nextInternalID allocates a dense, never-reused internal id using the
// same persisted monotonic counter mechanism that backs the change log.
func (db *DB) nextInternalID(tx *buntdb.Tx) (int64, error) {
	return db.incrementSequence(tx, "internal_id_seq")
}

func (db *DB) incrementSequence(tx *buntdb.Tx, name string) (int64, error) {
	key := "seq:" + name
	v, err := tx.Get(key)
	var next int64 = 1
	if err == nil {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			return 0, convErr
		}
		next = n + 1
	} else if err != buntdb.ErrNotFound {
		return 0, err
	}
	if _, _, err := tx.Set(key, strconv.FormatInt(next, 10), nil); err != nil {
		return 0, err
	}
	return next, nil
}

// WithTx runs fn inside a single buntdb write transaction, letting callers
// (notably the resource index's ingest path) group several operations into
// one enclosing transaction.
func (db *DB) WithTx(fn func(tx *buntdb.Tx) error) error {
	return db.bunt.Update(fn)
}

// CreateResource inserts a new resource row; caller ensures public id
// uniqueness before calling (duplicate fails with BadFileFormat).
func (db *DB) CreateResource(tx *buntdb.Tx, publicID string, level cmn.ResourceLevel) (int64, error) {
	if _, err := tx.Get(keyPublicID(publicID)); err == nil {
		return 0, cmn.NewAppError(cmn.BadFileFormat, "duplicate public id "+publicID)
	} else if err != buntdb.ErrNotFound {
		return 0, err
	}
	id, err := db.nextInternalID(tx)
	if err != nil {
		return 0, err
	}
	row := resourceRow{InternalID: id, PublicID: publicID, Level: int(level), ParentID: noParent}
	if err := db.putResource(tx, row); err != nil {
		return 0, err
	}
	if _, _, err := tx.Set(keyPublicID(publicID), strconv.FormatInt(id, 10), nil); err != nil {
		return 0, err
	}
	if level == cmn.Patient {
		if err := db.pushRecycling(tx, id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (db *DB) putResource(tx *buntdb.Tx, row resourceRow) error {
	buf, err := api.Marshal(row)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(keyResource(row.InternalID), string(buf), nil)
	return err
}

func (db *DB) getResource(tx *buntdb.Tx, id int64) (resourceRow, error) {
	v, err := tx.Get(keyResource(id))
	if err == buntdb.ErrNotFound {
		return resourceRow{}, cmn.NewAppError(cmn.UnknownResource, fmt.Sprintf("%d", id))
	}
	if err != nil {
		return resourceRow{}, err
	}
	var row resourceRow
	if err := api.Unmarshal([]byte(v), &row); err != nil {
		return resourceRow{}, err
	}
	return row, nil
}

func (db *DB) GetResource(tx *buntdb.Tx, id int64) (publicID string, level cmn.ResourceLevel, parentID int64, err error) {
	row, err := db.getResource(tx, id)
	if err != nil {
		return "", 0, 0, err
	}
	return row.PublicID, cmn.ResourceLevel(row.Level), row.ParentID, nil
}

func (db *DB) LookupPublicID(tx *buntdb.Tx, publicID string) (int64, bool, error) {
	v, err := tx.Get(keyPublicID(publicID))
	if err == buntdb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, convErr := strconv.ParseInt(v, 10, 64)
	return id, true, convErr
}

// AttachChild sets parent = parentID on the child row.
func (db *DB) AttachChild(tx *buntdb.Tx, parentID, childID int64) error {
	row, err := db.getResource(tx, childID)
	if err != nil {
		return err
	}
	debug.Assert(row.ParentID == noParent, "attach_child called twice for resource ", childID)
	row.ParentID = parentID
	if err := db.putResource(tx, row); err != nil {
		return err
	}
	_, _, err = tx.Set(keyChild(parentID, childID), "", nil)
	return err
}

func (db *DB) children(tx *buntdb.Tx, id int64) ([]int64, error) {
	var out []int64
	var iterErr error
	err := tx.AscendKeys(keyChildPrefix(id), func(k, _ string) bool {
		parts := strings.Split(k, ":")
		childID, convErr := strconv.ParseInt(parts[len(parts)-1], 10, 64)
		if convErr != nil {
			iterErr = convErr
			return false
		}
		out = append(out, childID)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, iterErr
}

// DeleteResource cascades to descendants, attachments, metadata, and
// identifier tags, depth-first: it walks down before emitting anything,
// then emits one Deleted change per removed resource bottom-up and one
// file-deleted signal per removed attachment. The surviving ancestor's
// child count is re-queried after the cascade, not decremented along the
// way, to decide the RemainingAncestorSignal.
func (db *DB) DeleteResource(tx *buntdb.Tx, id int64, nextSeq func() (int64, error)) (*DeleteResult, error) {
	row, err := db.getResource(tx, id)
	if err != nil {
		return nil, err
	}
	result := &DeleteResult{}
	if err := db.deleteSubtree(tx, row, result, nextSeq); err != nil {
		return nil, err
	}
	if row.ParentID != noParent {
		if err := db.removeChildLink(tx, row.ParentID, row.InternalID); err != nil {
			return nil, err
		}
		if err := db.maybeNotifyRemainingAncestor(tx, row.ParentID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (db *DB) deleteSubtree(tx *buntdb.Tx, row resourceRow, result *DeleteResult, nextSeq func() (int64, error)) error {
	kids, err := db.children(tx, row.InternalID)
	if err != nil {
		return err
	}
	for _, kid := range kids {
		kidRow, err := db.getResource(tx, kid)
		if err != nil {
			return err
		}
		if err := db.deleteSubtree(tx, kidRow, result, nextSeq); err != nil {
			return err
		}
		if _, err := tx.Delete(keyChild(row.InternalID, kid)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}

	files, err := db.deleteAttachmentsOf(tx, row.InternalID)
	if err != nil {
		return err
	}
	result.FilesDeleted = append(result.FilesDeleted, files...)

	if err := db.deleteMetadataOf(tx, row.InternalID); err != nil {
		return err
	}
	if err := db.deleteIdentifiersOf(tx, row.InternalID); err != nil {
		return err
	}
	if err := db.deleteMainTagsOf(tx, row.InternalID); err != nil {
		return err
	}
	if row.Level == int(cmn.Patient) {
		if err := db.removeRecycling(tx, row.InternalID); err != nil {
			return err
		}
	}
	if _, err := tx.Delete(keyResource(row.InternalID)); err != nil {
		return err
	}
	if _, err := tx.Delete(keyPublicID(row.PublicID)); err != nil {
		return err
	}

	seq, err := nextSeq()
	if err != nil {
		return err
	}
	change := changeRow{
		Seq:        seq,
		ChangeType: int(cmn.ChangeDeleted),
		Level:      row.Level,
		PublicID:   row.PublicID,
		Date:       time.Now().UTC().Format(time.RFC3339),
	}
	if err := db.putChange(tx, change); err != nil {
		return err
	}

	result.DeletedPublicIDs = append(result.DeletedPublicIDs, row.PublicID)
	result.DeletedLevels = append(result.DeletedLevels, cmn.ResourceLevel(row.Level))
	result.DeletedSeqs = append(result.DeletedSeqs, seq)
	return nil
}

func (db *DB) removeChildLink(tx *buntdb.Tx, parentID, childID int64) error {
	_, err := tx.Delete(keyChild(parentID, childID))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

func (db *DB) maybeNotifyRemainingAncestor(tx *buntdb.Tx, ancestorID int64, result *DeleteResult) error {
	row, err := db.getResource(tx, ancestorID)
	if err == nil {
		kids, err := db.children(tx, ancestorID)
		if err != nil {
			return err
		}
		if len(kids) == 0 {
			result.RemainingAncestor = &RemainingAncestorSignal{
				Level:    cmn.ResourceLevel(row.Level),
				PublicID: row.PublicID,
			}
		}
		return nil
	}
	if ae, ok := err.(*cmn.AppError); ok && ae.Kind == cmn.UnknownResource {
		// ancestor itself was part of the cascade (e.g. the root patient
		// was deleted too) - no remaining-ancestor signal
		return nil
	}
	return err
}

// Metadata

func (db *DB) SetMetadata(tx *buntdb.Tx, id int64, kind cmn.MetadataKind, value string) error {
	_, _, err := tx.Set(keyMeta(id, int(kind)), value, nil)
	return err
}

func (db *DB) DeleteMetadata(tx *buntdb.Tx, id int64, kind cmn.MetadataKind) error {
	_, err := tx.Delete(keyMeta(id, int(kind)))
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

func (db *DB) LookupMetadata(tx *buntdb.Tx, id int64, kind cmn.MetadataKind) (string, bool, error) {
	v, err := tx.Get(keyMeta(id, int(kind)))
	if err == buntdb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (db *DB) ListAvailableMetadata(tx *buntdb.Tx, id int64) ([]cmn.MetadataKind, error) {
	var out []cmn.MetadataKind
	err := tx.AscendKeys(keyMetaPrefix(id), func(k, _ string) bool {
		parts := strings.Split(k, ":")
		kind, convErr := strconv.Atoi(parts[len(parts)-1])
		if convErr == nil {
			out = append(out, cmn.MetadataKind(kind))
		}
		return true
	})
	return out, err
}

func (db *DB) GetAllMetadata(tx *buntdb.Tx, id int64) (map[cmn.MetadataKind]string, error) {
	out := map[cmn.MetadataKind]string{}
	err := tx.AscendKeys(keyMetaPrefix(id), func(k, v string) bool {
		parts := strings.Split(k, ":")
		kind, convErr := strconv.Atoi(parts[len(parts)-1])
		if convErr == nil {
			out[cmn.MetadataKind(kind)] = v
		}
		return true
	})
	return out, err
}

func (db *DB) deleteMetadataOf(tx *buntdb.Tx, id int64) error {
	return db.deleteByPrefix(tx, keyMetaPrefix(id))
}

func (db *DB) deleteByPrefix(tx *buntdb.Tx, prefix string) error {
	var keys []string
	if err := tx.AscendKeys(prefix, func(k, _ string) bool {
		keys = append(keys, k)
		return true
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	return nil
}

// Attachments

func (db *DB) AddAttachment(tx *buntdb.Tx, id int64, contentType cmn.ContentType, a attachmentRow) error {
	buf, err := api.Marshal(a)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(keyAttach(id, int(contentType)), string(buf), nil)
	return err
}

func (db *DB) DeleteAttachment(tx *buntdb.Tx, id int64, contentType cmn.ContentType) (*FileDeletedSignal, error) {
	v, err := tx.Get(keyAttach(id, int(contentType)))
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var row attachmentRow
	if err := api.Unmarshal([]byte(v), &row); err != nil {
		return nil, err
	}
	if _, err := tx.Delete(keyAttach(id, int(contentType))); err != nil {
		return nil, err
	}
	return &FileDeletedSignal{UUID: row.UUID, ContentType: contentType}, nil
}

func (db *DB) LookupAttachment(tx *buntdb.Tx, id int64, contentType cmn.ContentType) (attachmentRow, bool, error) {
	v, err := tx.Get(keyAttach(id, int(contentType)))
	if err == buntdb.ErrNotFound {
		return attachmentRow{}, false, nil
	}
	if err != nil {
		return attachmentRow{}, false, err
	}
	var row attachmentRow
	if err := api.Unmarshal([]byte(v), &row); err != nil {
		return attachmentRow{}, false, err
	}
	return row, true, nil
}

func (db *DB) ListAvailableAttachments(tx *buntdb.Tx, id int64) ([]cmn.ContentType, error) {
	var out []cmn.ContentType
	err := tx.AscendKeys(keyAttachPrefix(id), func(k, _ string) bool {
		parts := strings.Split(k, ":")
		ct, convErr := strconv.Atoi(parts[len(parts)-1])
		if convErr == nil {
			out = append(out, cmn.ContentType(ct))
		}
		return true
	})
	return out, err
}

func (db *DB) deleteAttachmentsOf(tx *buntdb.Tx, id int64) ([]FileDeletedSignal, error) {
	var signals []FileDeletedSignal
	var keys []string
	var rows []attachmentRow
	err := tx.AscendKeys(keyAttachPrefix(id), func(k, v string) bool {
		var row attachmentRow
		if err := api.Unmarshal([]byte(v), &row); err == nil {
			keys = append(keys, k)
			rows = append(rows, row)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		if _, err := tx.Delete(k); err != nil {
			return nil, err
		}
		parts := strings.Split(k, ":")
		ct, convErr := strconv.Atoi(parts[len(parts)-1])
		if convErr != nil {
			return nil, convErr
		}
		signals = append(signals, FileDeletedSignal{UUID: rows[i].UUID, ContentType: cmn.ContentType(ct)})
	}
	return signals, nil
}

// Main DICOM tags & identifiers

func (db *DB) SetMainTag(tx *buntdb.Tx, id int64, tag dicom.Tag, value string) error {
	_, _, err := tx.Set(keyMainTag(id, tag.Group, tag.Element), value, nil)
	return err
}

func (db *DB) deleteMainTagsOf(tx *buntdb.Tx, id int64) error {
	return db.deleteByPrefix(tx, keyMainTagPrefix(id))
}

// GetMainTags reads back every main DICOM tag stored for id, used by the
// C-FIND answer builder to project a matched resource onto the tags the
// remote requested.
func (db *DB) GetMainTags(tx *buntdb.Tx, id int64) (map[dicom.Tag]string, error) {
	out := make(map[dicom.Tag]string)
	err := tx.AscendKeys(keyMainTagPrefix(id), func(k, v string) bool {
		parts := strings.Split(k, ":")
		if len(parts) < 3 {
			return true
		}
		group, gErr := strconv.ParseUint(parts[len(parts)-2], 16, 16)
		element, eErr := strconv.ParseUint(parts[len(parts)-1], 16, 16)
		if gErr != nil || eErr != nil {
			return true
		}
		out[dicom.NewTag(uint16(group), uint16(element))] = v
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) SetIdentifierTag(tx *buntdb.Tx, id int64, level cmn.ResourceLevel, tag dicom.Tag, value string) error {
	if _, _, err := tx.Set(keyIdentTag(int(level), tag.Group, tag.Element, value, id), strconv.FormatInt(id, 10), nil); err != nil {
		return err
	}
	// The reverse index carries level+value so the deletion cascade can
	// rebuild and remove the exact identtag key without a full-table scan.
	reverse := fmt.Sprintf("%d|%s", int(level), value)
	_, _, err := tx.Set(keyIdentVal(id, tag.Group, tag.Element), reverse, nil)
	return err
}

func (db *DB) deleteIdentifiersOf(tx *buntdb.Tx, id int64) error {
	var reverseKeys []string
	var identTagKeys []string
	err := tx.AscendKeys(keyIdentValPrefix(id), func(k, v string) bool {
		parts := strings.Split(k, ":")
		group, gErr := strconv.ParseUint(parts[len(parts)-2], 16, 16)
		element, eErr := strconv.ParseUint(parts[len(parts)-1], 16, 16)
		lv := strings.SplitN(v, "|", 2)
		if gErr != nil || eErr != nil || len(lv) != 2 {
			reverseKeys = append(reverseKeys, k)
			return true
		}
		level, lErr := strconv.Atoi(lv[0])
		if lErr != nil {
			reverseKeys = append(reverseKeys, k)
			return true
		}
		identTagKeys = append(identTagKeys, keyIdentTag(level, uint16(group), uint16(element), lv[1], id))
		reverseKeys = append(reverseKeys, k)
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range identTagKeys {
		if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	for _, k := range reverseKeys {
		if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	return nil
}

// LookupIdentifier returns the internal ids of the level's resources whose
// identifier tag satisfies the constraint. Wildcard uses '*'/'?' anchored
// matching; GreaterOrEqual/SmallerOrEqual use the key's lexicographic
// ordering, which matches string-collation comparison.
func (db *DB) LookupIdentifier(tx *buntdb.Tx, level cmn.ResourceLevel, tag dicom.Tag, constraint cmn.IdentifierConstraint, value string) ([]int64, error) {
	prefix := keyIdentTagPrefix(int(level), tag.Group, tag.Element)
	var out []int64
	collect := func(k, v string) bool {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return true
		}
		// skip rows whose resource no longer exists; deleteIdentifiersOf
		// removes them with their resource, so this is only a guard.
		if _, err := tx.Get(keyResource(id)); err != nil {
			return true
		}
		out = append(out, id)
		return true
	}

	switch constraint {
	case cmn.ConstraintEqual:
		exact := prefix + value + ":*"
		if err := tx.AscendKeys(exact, collect); err != nil {
			return nil, err
		}
	case cmn.ConstraintGreaterOrEqual:
		if err := tx.AscendGreaterOrEqual("", prefix+value, func(k, v string) bool {
			if !strings.HasPrefix(k, prefix) {
				return false
			}
			return collect(k, v)
		}); err != nil {
			return nil, err
		}
	case cmn.ConstraintSmallerOrEqual:
		if err := tx.AscendKeys(prefix+"*", func(k, v string) bool {
			rest := strings.TrimPrefix(k, prefix)
			idx := strings.LastIndex(rest, ":")
			if idx < 0 {
				return true
			}
			if rest[:idx] > value {
				return true
			}
			return collect(k, v)
		}); err != nil {
			return nil, err
		}
	case cmn.ConstraintWildcard:
		if err := tx.AscendKeys(prefix+"*", func(k, v string) bool {
			rest := strings.TrimPrefix(k, prefix)
			idx := strings.LastIndex(rest, ":")
			if idx < 0 {
				return true
			}
			if !dicom.MatchWildcard(value, rest[:idx]) {
				return true
			}
			return collect(k, v)
		}); err != nil {
			return nil, err
		}
	default:
		return nil, cmn.NewAppError(cmn.BadParameterType, "unknown identifier constraint")
	}
	return out, nil
}

// Changes & exported resources

func (db *DB) NextChangeSeq(tx *buntdb.Tx) (int64, error) {
	return db.incrementSequence(tx, "change_seq")
}

func (db *DB) putChange(tx *buntdb.Tx, c changeRow) error {
	buf, err := api.Marshal(c)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(keyChange(c.Seq), string(buf), nil)
	return err
}

// RecordChange appends a change row, allocating and returning its sequence
// number (used by the resource index for non-deletion change kinds:
// NewInstance, NewSeries, StableSeries, UpdatedAttachment, ...).
func (db *DB) RecordChange(tx *buntdb.Tx, kind cmn.ChangeKind, level cmn.ResourceLevel, publicID, detail string) (int64, error) {
	seq, err := db.NextChangeSeq(tx)
	if err != nil {
		return 0, err
	}
	return seq, db.putChange(tx, changeRow{
		Seq:        seq,
		ChangeType: int(kind),
		Level:      int(level),
		PublicID:   publicID,
		Date:       time.Now().UTC().Format(time.RFC3339),
		Detail:     detail,
	})
}

// GetChanges returns changes with seq > since, up to limit rows, plus done
// (true iff no (limit+1)-th row existed).
func (db *DB) GetChanges(tx *buntdb.Tx, since int64, limit int) ([]changeRow, bool, error) {
	var out []changeRow
	err := tx.AscendGreaterOrEqual("", keyChange(since+1), func(k, v string) bool {
		if !strings.HasPrefix(k, "change:") {
			return false
		}
		if len(out) == limit {
			return false
		}
		var c changeRow
		if err := api.Unmarshal([]byte(v), &c); err == nil {
			out = append(out, c)
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	done := true
	if len(out) == limit {
		peeked := false
		_ = tx.AscendGreaterOrEqual("", keyChange(out[len(out)-1].Seq+1), func(k, _ string) bool {
			if strings.HasPrefix(k, "change:") {
				peeked = true
			}
			return false
		})
		done = !peeked
	}
	return out, done, nil
}

func (db *DB) GetLastChange(tx *buntdb.Tx) (*changeRow, error) {
	var last *changeRow
	err := tx.Descend("", func(k, v string) bool {
		if !strings.HasPrefix(k, "change:") {
			return true
		}
		var c changeRow
		if err := api.Unmarshal([]byte(v), &c); err == nil {
			last = &c
		}
		return false
	})
	return last, err
}

func (db *DB) LogExportedResource(tx *buntdb.Tx, e exportRow) error {
	seq, err := db.incrementSequence(tx, "export_seq")
	if err != nil {
		return err
	}
	e.Seq = seq
	buf, err := api.Marshal(e)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(keyExport(seq), string(buf), nil)
	return err
}

func (db *DB) GetExportedResources(tx *buntdb.Tx, since int64, limit int) ([]exportRow, bool, error) {
	var out []exportRow
	err := tx.AscendGreaterOrEqual("", keyExport(since+1), func(k, v string) bool {
		if !strings.HasPrefix(k, "export:") {
			return false
		}
		if len(out) == limit {
			return false
		}
		var e exportRow
		if err := api.Unmarshal([]byte(v), &e); err == nil {
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	done := len(out) < limit
	return out, done, nil
}

// Global properties

func (db *DB) SetGlobalProperty(tx *buntdb.Tx, kind cmn.GlobalPropertyKind, value string) error {
	_, _, err := tx.Set(keyProp(int(kind)), value, nil)
	return err
}

func (db *DB) LookupGlobalProperty(tx *buntdb.Tx, kind cmn.GlobalPropertyKind) (string, bool, error) {
	v, err := tx.Get(keyProp(int(kind)))
	if err == buntdb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (db *DB) IncrementGlobalSequence(tx *buntdb.Tx, kind cmn.GlobalPropertyKind) (int64, error) {
	return db.incrementSequence(tx, fmt.Sprintf("prop_seq_%d", kind))
}

// Patient recycling

func (db *DB) pushRecycling(tx *buntdb.Tx, patientID int64) error {
	seq, err := db.incrementSequence(tx, "recycle_seq")
	if err != nil {
		return err
	}
	if _, _, err := tx.Set(keyRecycle(seq), strconv.FormatInt(patientID, 10), nil); err != nil {
		return err
	}
	_, _, err = tx.Set(keyRecycleOf(patientID), keyRecycle(seq), nil)
	return err
}

func (db *DB) removeRecycling(tx *buntdb.Tx, patientID int64) error {
	k, err := tx.Get(keyRecycleOf(patientID))
	if err == buntdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
		return err
	}
	_, err = tx.Delete(keyRecycleOf(patientID))
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

// SelectPatientToRecycle returns the oldest unprotected patient id other
// than avoid, or (0, false) if none exists.
func (db *DB) SelectPatientToRecycle(tx *buntdb.Tx, avoid int64) (int64, bool, error) {
	var found int64
	var ok bool
	var iterErr error
	err := tx.AscendKeys("recycle:*", func(k, v string) bool {
		id, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			iterErr = convErr
			return false
		}
		if id == avoid {
			return true
		}
		row, err := db.getResource(tx, id)
		if err != nil {
			return true
		}
		if row.Protected {
			return true
		}
		found, ok = id, true
		return false
	})
	if err != nil {
		return 0, false, err
	}
	return found, ok, iterErr
}

func (db *DB) IsProtected(tx *buntdb.Tx, patientID int64) (bool, error) {
	row, err := db.getResource(tx, patientID)
	if err != nil {
		return false, err
	}
	return row.Protected, nil
}

// SetProtected is idempotent: setting the same value twice is a no-op, so
// the recycling queue position only moves on an actual unprotect.
func (db *DB) SetProtected(tx *buntdb.Tx, patientID int64, protected bool) error {
	row, err := db.getResource(tx, patientID)
	if err != nil {
		return err
	}
	if row.Protected == protected {
		return nil
	}
	row.Protected = protected
	if err := db.putResource(tx, row); err != nil {
		return err
	}
	if protected {
		return db.removeRecycling(tx, patientID)
	}
	return db.pushRecycling(tx, patientID)
}

// Aggregate statistics

func (db *DB) GetTotalCompressedSize(tx *buntdb.Tx) (int64, error) {
	var total int64
	err := tx.AscendKeys("attach:*", func(k, v string) bool {
		var row attachmentRow
		if err := api.Unmarshal([]byte(v), &row); err == nil {
			total += row.CompressedSize
		}
		return true
	})
	return total, err
}

func (db *DB) GetTotalUncompressedSize(tx *buntdb.Tx) (int64, error) {
	var total int64
	err := tx.AscendKeys("attach:*", func(k, v string) bool {
		var row attachmentRow
		if err := api.Unmarshal([]byte(v), &row); err == nil {
			total += row.UncompressedSize
		}
		return true
	})
	return total, err
}

func (db *DB) GetResourceCount(tx *buntdb.Tx, level cmn.ResourceLevel) (int64, error) {
	var count int64
	err := tx.AscendKeys("resource:*", func(k, v string) bool {
		var row resourceRow
		if err := api.Unmarshal([]byte(v), &row); err == nil && row.Level == int(level) {
			count++
		}
		return true
	})
	return count, err
}
