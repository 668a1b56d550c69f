// Package jsp (JSON persistence) saves and loads arbitrary JSON-encoded
// structures to disk with atomic tmp-file-then-rename semantics, used by
// the jobs registry to persist its state across restarts.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/cmn/debug"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// Save encodes v as JSON and atomically replaces filepath with the result:
// it writes to a sibling tmp file and renames it into place, so a reader
// never observes a partially written document.
func Save(filepath string, v interface{}) (err error) {
	tmp := filepath + ".tmp." + cmn.GenTie()
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp); rmErr != nil {
				debug.Errorf("failed to remove %s: %v", tmp, rmErr)
			}
		}
	}()

	enc := api.NewEncoder(file)
	if err = enc.Encode(v); err != nil {
		file.Close()
		return err
	}
	if err = file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath)
}

// Load decodes the JSON document at filepath into v.
func Load(filepath string, v interface{}) error {
	file, err := os.Open(filepath)
	if err != nil {
		return err
	}
	defer file.Close()
	dec := api.NewDecoder(file)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Exists reports whether filepath names an existing regular file.
func Exists(filepath string) bool {
	info, err := os.Stat(filepath)
	return err == nil && !info.IsDir()
}
