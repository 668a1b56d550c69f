// Package cos provides low-level OS and runtime helpers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "runtime"

// NumCPU returns the default worker-pool size: hardware concurrency,
// minimum 1.
func NumCPU() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}
