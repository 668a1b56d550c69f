// Package cmn provides common types, constants, and utilities shared by the
// storage core, the jobs engine, and the DICOM networking layer.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"math/rand"

	"github.com/teris-io/shortid"
	"go.uber.org/atomic"
)

// uuidABC is the 64-character id alphabet. GenTie indexes it with 6-bit
// masks, so its length must stay at exactly 64.
const uuidABC = "abcdefghijk0LMNOPQRST1lmnopqrst2UVWXYZ_uvwxyz3456789-ABCDEFGHIJK"

var (
	sid  *shortid.Shortid
	rtie atomic.Int64
)

// InitShortID seeds the process-wide id generator; call once at startup,
// before any GenUUID.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(1, uuidABC, seed)
}

// GenUUID generates unique, human-readable ids for jobs and attachment
// storage blobs. Ids always start with a letter and never end in a
// separator, so they stay safe as file-name stems.
func GenUUID() string {
	u := sid.MustGenerate()
	if !isAlpha(u[0]) {
		u = string(rune('a'+rand.Intn(26))) + u
	}
	if c := u[len(u)-1]; c == '-' || c == '_' {
		u += string(rune('A' + rand.Intn(26)))
	}
	return u
}

// IsValidUUID checks the shape GenUUID guarantees; see
// https://github.com/teris-io/shortid#id-length for the minimum length.
func IsValidUUID(uuid string) bool {
	return len(uuid) >= 9 && isAlpha(uuid[0])
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// GenTie returns a short disambiguator appended to tmp file names so
// concurrent writers against the same path never collide: three 6-bit
// slices of a process-wide counter.
func GenTie() string {
	n := rtie.Add(1)
	return string([]byte{uuidABC[n&0x3f], uuidABC[(n>>6)&0x3f], uuidABC[(n>>12)&0x3f]})
}
