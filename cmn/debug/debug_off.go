//go:build !debug
// +build !debug

// Package debug provides invariant-checking assertions compiled in only
// under the "debug" build tag.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "sync"

func Errorf(f string, a ...interface{}) {}
func Infof(f string, a ...interface{})  {}
func Func(f func())                     {}

func Assert(cond bool, a ...interface{})         {}
func AssertFunc(f func() bool, a ...interface{}) {}
func AssertMsg(cond bool, msg string)            {}
func AssertNoErr(err error)                      {}
func Assertf(cond bool, f string, a ...interface{}) {}
func AssertMutexLocked(m *sync.Mutex)               {}
func AssertRWMutexLocked(m *sync.RWMutex)           {}
