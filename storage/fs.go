// Package storage defines the opaque blob store the resource index reads
// and writes attachments through, plus a filesystem-backed implementation.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/jodogne/orthanc-go/cmn"
)

// FSArea is a filesystem-backed Area, addressing blobs by
// <root>/<uuid[0:2]>/<uuid[2:4]>/<uuid>-<contentType>; the two-level
// fanout by uuid prefix avoids one giant flat directory.
type FSArea struct {
	root string
}

func NewFSArea(root string) *FSArea { return &FSArea{root: root} }

func (a *FSArea) path(uuid string, contentType cmn.ContentType) (string, error) {
	if len(uuid) < 4 {
		return "", cmn.NewAppError(cmn.BadParameterType, "uuid too short: "+uuid)
	}
	dir := filepath.Join(a.root, uuid[0:2], uuid[2:4])
	return filepath.Join(dir, fmt.Sprintf("%s-%d", uuid, contentType)), nil
}

func (a *FSArea) Create(uuid string, contentType cmn.ContentType, content []byte) error {
	p, err := a.path(uuid, contentType)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "storage: mkdir for %s", uuid)
	}
	tmp := p + ".tmp." + cmn.GenTie()
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return cmn.WrapAppError(cmn.CannotWriteFile, err, uuid)
	}
	if err := os.Rename(tmp, p); err != nil {
		return cmn.WrapAppError(cmn.CannotWriteFile, err, uuid)
	}
	return nil
}

func (a *FSArea) Read(uuid string, contentType cmn.ContentType) ([]byte, error) {
	p, err := a.path(uuid, contentType)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, cmn.NewAppError(cmn.InexistentFile, uuid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "storage: read %s", uuid)
	}
	return b, nil
}

func (a *FSArea) ReadRange(uuid string, contentType cmn.ContentType, start, end int64) ([]byte, error) {
	p, err := a.path(uuid, contentType)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, cmn.NewAppError(cmn.InexistentFile, uuid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", uuid)
	}
	defer f.Close()
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return nil, errors.Wrapf(err, "storage: read range %s", uuid)
	}
	return buf, nil
}

func (a *FSArea) Remove(uuid string, contentType cmn.ContentType) error {
	p, err := a.path(uuid, contentType)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "storage: remove %s", uuid)
	}
	return nil
}

var _ Area = (*FSArea)(nil)
