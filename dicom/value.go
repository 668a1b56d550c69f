// Package dicom implements the identifier and tag model: DICOM tags, value
// representations, hierarchical public resource ids, and the DicomValue
// wire type.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dicom

import (
	"encoding/base64"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/jodogne/orthanc-go/cmn"
)

// ValueType is the DicomValue discriminant.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeString
	TypeBinary
)

// Value is the tagged union carried in the parsed-DICOM JSON cache: every
// tag value is either absent (Null), text (String), or opaque bytes
// (Binary), the latter persisted as base64.
type Value struct {
	Type    ValueType
	Content string // raw text for TypeString, raw bytes for TypeBinary
}

func NullValue() Value                     { return Value{Type: TypeNull} }
func StringValue(s string) Value           { return Value{Type: TypeString, Content: s} }
func BinaryValue(b []byte) Value           { return Value{Type: TypeBinary, Content: string(b)} }

func (v Value) IsNull() bool   { return v.Type == TypeNull }
func (v Value) IsString() bool { return v.Type == TypeString }
func (v Value) IsBinary() bool { return v.Type == TypeBinary }

// GetContent returns the value's text or raw bytes; it is an error to read
// the content of a Null value.
func (v Value) GetContent() (string, error) {
	if v.IsNull() {
		return "", cmn.NewAppError(cmn.BadParameterType, "DicomValue is Null")
	}
	return v.Content, nil
}

type wireValue struct {
	Type    string `json:"Type"`
	Content string `json:"Content,omitempty"`
}

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON implements the {Type, Content} wire format.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{}
	switch v.Type {
	case TypeNull:
		w.Type = "Null"
	case TypeString:
		w.Type = "String"
		w.Content = v.Content
	case TypeBinary:
		w.Type = "Binary"
		w.Content = base64.StdEncoding.EncodeToString([]byte(v.Content))
	default:
		return nil, cmn.NewAppError(cmn.InternalError, "invalid DicomValue type")
	}
	return api.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := api.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case "Null":
		*v = NullValue()
	case "String":
		*v = StringValue(w.Content)
	case "Binary":
		raw, err := base64.StdEncoding.DecodeString(w.Content)
		if err != nil {
			return cmn.WrapAppError(cmn.BadFileFormat, err, "invalid base64 DicomValue content")
		}
		*v = BinaryValue(raw)
	default:
		return cmn.NewAppError(cmn.BadFileFormat, fmt.Sprintf("unknown DicomValue type %q", w.Type))
	}
	return nil
}
