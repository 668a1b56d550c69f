// Package cmn provides common types, constants, and utilities shared by the
// storage core, the jobs engine, and the DICOM networking layer.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a tagged error kind, not a Go type: callers switch on Kind rather
// than on the concrete error type.
type Kind int

const (
	NotEnoughMemory Kind = iota
	CorruptedFile
	BadFileFormat
	BadParameterType
	InexistentItem
	InexistentFile
	UnknownResource
	UnknownModality
	IncompatibleDatabaseVersion
	DatabaseNotInitialized
	NullPointer
	BadSequenceOfCalls
	ParameterOutOfRange
	FullStorage
	CannotWriteFile
	NetworkProtocol
	CanceledJob
	NotImplemented
	InternalError
)

var kindNames = map[Kind]string{
	NotEnoughMemory:             "NotEnoughMemory",
	CorruptedFile:               "CorruptedFile",
	BadFileFormat:               "BadFileFormat",
	BadParameterType:            "BadParameterType",
	InexistentItem:              "InexistentItem",
	InexistentFile:              "InexistentFile",
	UnknownResource:             "UnknownResource",
	UnknownModality:             "UnknownModality",
	IncompatibleDatabaseVersion: "IncompatibleDatabaseVersion",
	DatabaseNotInitialized:      "DatabaseNotInitialized",
	NullPointer:                 "NullPointer",
	BadSequenceOfCalls:          "BadSequenceOfCalls",
	ParameterOutOfRange:         "ParameterOutOfRange",
	FullStorage:                 "FullStorage",
	CannotWriteFile:             "CannotWriteFile",
	NetworkProtocol:             "NetworkProtocol",
	CanceledJob:                 "CanceledJob",
	NotImplemented:              "NotImplemented",
	InternalError:               "InternalError",
}

// httpStatus is the default HTTP status mapping for each Kind; callers that
// front this package with the (out-of-scope) REST router use this table.
var httpStatus = map[Kind]int{
	NotEnoughMemory:             http.StatusInsufficientStorage,
	CorruptedFile:               http.StatusBadRequest,
	BadFileFormat:               http.StatusBadRequest,
	BadParameterType:            http.StatusBadRequest,
	InexistentItem:              http.StatusNotFound,
	InexistentFile:              http.StatusNotFound,
	UnknownResource:             http.StatusNotFound,
	UnknownModality:             http.StatusBadRequest,
	IncompatibleDatabaseVersion: http.StatusInternalServerError,
	DatabaseNotInitialized:      http.StatusInternalServerError,
	NullPointer:                 http.StatusInternalServerError,
	BadSequenceOfCalls:          http.StatusBadRequest,
	ParameterOutOfRange:         http.StatusBadRequest,
	FullStorage:                 http.StatusInsufficientStorage,
	CannotWriteFile:             http.StatusInternalServerError,
	NetworkProtocol:             http.StatusBadGateway,
	CanceledJob:                 http.StatusConflict,
	NotImplemented:              http.StatusNotImplemented,
	InternalError:               http.StatusInternalServerError,
}

// AppError is the one error type the core returns; it carries a Kind plus
// an optional detail string. Treat Kind as the switchable identity, not the
// Go type.
type AppError struct {
	Kind   Kind
	Detail string
	cause  error
}

func NewAppError(kind Kind, detail string) *AppError {
	return &AppError{Kind: kind, Detail: detail}
}

func WrapAppError(kind Kind, cause error, detail string) *AppError {
	return &AppError{Kind: kind, Detail: detail, cause: cause}
}

func (e *AppError) Error() string {
	name := kindNames[e.Kind]
	if e.Detail == "" {
		return name
	}
	return fmt.Sprintf("%s: %s", name, e.Detail)
}

func (e *AppError) Unwrap() error { return e.cause }

func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is allows errors.Is(err, cmn.NewAppError(cmn.InexistentItem, "")) to match
// by Kind alone, ignoring Detail.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// AsAppError extracts an *AppError from err, wrapping unknown errors as
// InternalError; worker steps and SCP callback boundaries funnel every
// failure through this before mapping it to a job status or DIMSE status.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return WrapAppError(InternalError, err, err.Error())
}
