// Package storage defines the opaque blob store the resource index reads
// and writes attachments through, plus a filesystem-backed implementation.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package storage

import (
	"github.com/jodogne/orthanc-go/cmn"
)

// Area is the storage-area contract: blobs are addressed by an opaque
// uuid chosen at attachment creation, qualified by content type.
type Area interface {
	Create(uuid string, contentType cmn.ContentType, content []byte) error
	Read(uuid string, contentType cmn.ContentType) ([]byte, error)
	// ReadRange reads [start, end) without loading the whole blob.
	ReadRange(uuid string, contentType cmn.ContentType, start, end int64) ([]byte, error)
	Remove(uuid string, contentType cmn.ContentType) error
}
