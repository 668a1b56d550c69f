// Package dicom implements the identifier and tag model: DICOM tags, value
// representations, hierarchical public resource ids, and the DicomValue
// wire type.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dicom

import (
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/jodogne/orthanc-go/cmn"
)

// ComputePublicID hashes the level-defining DICOM UIDs, joined with '|',
// into a 40-hex-digit SHA-1 string grouped 8-8-8-8-8. uids must be passed
// outermost first: the patient UID alone for a patient, plus the study UID
// for a study, and so on down to the SOP instance UID.
func ComputePublicID(uids ...string) string {
	h := sha1.New()
	for i, u := range uids {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(u))
	}
	sum := h.Sum(nil) // 20 bytes = 40 hex digits
	hex := fmt.Sprintf("%x", sum)
	var b strings.Builder
	for i := 0; i < len(hex); i += 8 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 8
		if end > len(hex) {
			end = len(hex)
		}
		b.WriteString(hex[i:end])
	}
	return b.String()
}

// ValidatePublicID reports whether s has the expected 8-8-8-8-8 shape.
func ValidatePublicID(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return false
	}
	for _, p := range parts {
		if len(p) != 8 {
			return false
		}
		for _, c := range p {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
				return false
			}
		}
	}
	return true
}

// IdentifierConstraint re-exports cmn.IdentifierConstraint under the dicom
// package for callers that only import dicom for lookup construction.
type IdentifierConstraint = cmn.IdentifierConstraint

const (
	Equal          = cmn.ConstraintEqual
	GreaterOrEqual = cmn.ConstraintGreaterOrEqual
	SmallerOrEqual = cmn.ConstraintSmallerOrEqual
	Wildcard       = cmn.ConstraintWildcard
)

// MatchWildcard implements the anchored '*'/'?' matching of wildcard
// identifier lookups: the pattern must cover the whole value.
func MatchWildcard(pattern, value string) bool {
	return matchWildcard([]rune(pattern), []rune(value))
}

func matchWildcard(pattern, value []rune) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	switch pattern[0] {
	case '*':
		if matchWildcard(pattern[1:], value) {
			return true
		}
		for len(value) > 0 {
			value = value[1:]
			if matchWildcard(pattern[1:], value) {
				return true
			}
		}
		return false
	case '?':
		if len(value) == 0 {
			return false
		}
		return matchWildcard(pattern[1:], value[1:])
	default:
		if len(value) == 0 || value[0] != pattern[0] {
			return false
		}
		return matchWildcard(pattern[1:], value[1:])
	}
}
