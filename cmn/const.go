// Package cmn provides common types, constants, and utilities shared by the
// storage core, the jobs engine, and the DICOM networking layer.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

// ResourceLevel is the position of a resource in the Patient/Study/Series/
// Instance forest.
type ResourceLevel int

const (
	Patient ResourceLevel = iota
	Study
	Series
	Instance
)

func (l ResourceLevel) String() string {
	switch l {
	case Patient:
		return "Patient"
	case Study:
		return "Study"
	case Series:
		return "Series"
	case Instance:
		return "Instance"
	default:
		return "Unknown"
	}
}

// MetadataKind enumerates the built-in metadata keys; values at or above
// UserMetadataBase are reserved for caller-defined kinds.
type MetadataKind int

const (
	MetadataRemoteAet MetadataKind = iota
	MetadataReceptionDate
	MetadataTransferSyntax
	MetadataSopClassUid
	MetadataIndexInSeries
	MetadataMainDicomTagsSignature

	UserMetadataBase MetadataKind = 1024
)

// ContentType enumerates attachment content kinds.
type ContentType int

const (
	ContentDicom ContentType = iota
	ContentDicomAsJson

	UserContentTypeBase ContentType = 1024
)

// CompressionKind enumerates attachment compression.
type CompressionKind int

const (
	CompressionNone CompressionKind = iota
	CompressionZlibWithSize
)

// ChangeKind enumerates the change log's event kinds.
type ChangeKind int

const (
	ChangeNewInstance ChangeKind = iota
	ChangeNewSeries
	ChangeNewStudy
	ChangeNewPatient
	ChangeStablePatient
	ChangeStableStudy
	ChangeStableSeries
	ChangeUpdatedAttachment
	ChangeUpdatedMetadata
	ChangeDeleted
	// ChangeMultipleParentsDetected flags a study seen under two different
	// patient UIDs; the first-seen parent is kept rather than rejecting the
	// second file.
	ChangeMultipleParentsDetected
)

// IdentifierConstraint enumerates the identifier-lookup constraint kinds.
type IdentifierConstraint int

const (
	ConstraintEqual IdentifierConstraint = iota
	ConstraintGreaterOrEqual
	ConstraintSmallerOrEqual
	ConstraintWildcard
)

// StoreStatus is the result of ingesting one DICOM instance.
type StoreStatus int

const (
	StoreSuccess StoreStatus = iota
	StoreAlreadyStored
	StoreFailure
	StoreFilteredOut
)

// GlobalPropertyKind enumerates the global-property table's numeric keys.
type GlobalPropertyKind int

const (
	GlobalPropertySchemaVersion GlobalPropertyKind = iota
	GlobalPropertyChangeSequence
	GlobalPropertyExportSequence
	GlobalPropertyDatabaseUUID

	UserGlobalPropertyBase GlobalPropertyKind = 1024
)

const CurrentSchemaVersion = 1
