// Package jsp (JSON persistence) saves and loads arbitrary JSON-encoded
// structures to disk with atomic tmp-file-then-rename semantics.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jsp_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jodogne/orthanc-go/cmn/jsp"
)

type payload struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := payload{Name: "registry", Count: 3, Tags: []string{"a", "b"}}
	if err := jsp.Save(path, &in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	var out payload
	if err := jsp.Load(path, &out); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != 2 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestSaveReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := jsp.Save(path, &payload{Name: "first"}); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	if err := jsp.Save(path, &payload{Name: "second"}); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	var out payload
	if err := jsp.Load(path, &out); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.Name != "second" {
		t.Errorf("Load returned %q, want the replacing document", out.Name)
	}
	// no tmp litter left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the target file", len(entries))
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	var out payload
	if err := jsp.Load(filepath.Join(t.TempDir(), "absent.json"), &out); err == nil {
		t.Fatalf("Load on a missing file must fail")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if jsp.Exists(path) {
		t.Errorf("Exists on a missing file = true")
	}
	if err := jsp.Save(path, &payload{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !jsp.Exists(path) {
		t.Errorf("Exists on a saved file = false")
	}
	if jsp.Exists(dir) {
		t.Errorf("Exists on a directory = true")
	}
}
