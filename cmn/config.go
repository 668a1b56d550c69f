// Package cmn provides common types, constants, and utilities shared by the
// storage core, the jobs engine, and the DICOM networking layer.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/jodogne/orthanc-go/cmn/cos"
)

// Validator is implemented by every *Conf section that parses its *Str
// duration fields and range-checks its values once, at Validate() time.
type Validator interface {
	Validate() error
}

// StorageConf carries the quota, recycling, and stability knobs consumed
// by the resource index.
type StorageConf struct {
	// MaximumStorageSize, in bytes; 0 disables quota enforcement.
	MaximumStorageSize int64 `json:"maximum_storage_size"`

	// StableAge is how long a patient/study/series must go without
	// receiving a new instance before it is reported stable.
	StableAgeStr string        `json:"stable_age"`
	StableAge    time.Duration `json:"-"`
}

func (c *StorageConf) Validate() (err error) {
	if c.MaximumStorageSize < 0 {
		return fmt.Errorf("storage.maximum_storage_size must be >= 0, got %d", c.MaximumStorageSize)
	}
	if c.StableAge, err = time.ParseDuration(c.StableAgeStr); err != nil {
		return fmt.Errorf("invalid storage.stable_age format: %v", err)
	}
	return nil
}

// JobsConf carries the jobs registry/engine knobs. The worker wake-up and
// retry-sweep intervals are configured independently even though both
// default to the same value.
type JobsConf struct {
	JobsHistorySize int `json:"jobs_history_size"`
	Workers         int `json:"workers"`

	WorkerWakeupStr string        `json:"worker_wakeup"`
	WorkerWakeup    time.Duration `json:"-"`
	RetrySweepStr   string        `json:"retry_sweep"`
	RetrySweep      time.Duration `json:"-"`
}

func (c *JobsConf) Validate() (err error) {
	if c.JobsHistorySize <= 0 {
		return fmt.Errorf("jobs.jobs_history_size must be > 0, got %d", c.JobsHistorySize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0, got %d", c.Workers)
	}
	if c.WorkerWakeup, err = time.ParseDuration(c.WorkerWakeupStr); err != nil {
		return fmt.Errorf("invalid jobs.worker_wakeup format: %v", err)
	}
	if c.RetrySweep, err = time.ParseDuration(c.RetrySweepStr); err != nil {
		return fmt.Errorf("invalid jobs.retry_sweep format: %v", err)
	}
	return nil
}

// DicomConf carries the DIMSE/association knobs.
type DicomConf struct {
	DicomAssociationCloseDelayStr string        `json:"dicom_association_close_delay"`
	DicomAssociationCloseDelay    time.Duration `json:"-"`

	LimitFindResults   int  `json:"limit_find_results"`
	LimitFindInstances int  `json:"limit_find_instances"`
	CaseSensitivePN    bool `json:"case_sensitive_pn"`
}

func (c *DicomConf) Validate() (err error) {
	if c.DicomAssociationCloseDelay, err = time.ParseDuration(c.DicomAssociationCloseDelayStr); err != nil {
		return fmt.Errorf("invalid dicom.dicom_association_close_delay format: %v", err)
	}
	if c.LimitFindResults < 0 || c.LimitFindInstances < 0 {
		return fmt.Errorf("dicom find limits must be >= 0")
	}
	return nil
}

// Config encapsulates every configuration value consumed by the core.
type Config struct {
	Storage StorageConf `json:"storage"`
	Jobs    JobsConf    `json:"jobs"`
	Dicom   DicomConf   `json:"dicom"`
}

func (c *Config) Validate() error {
	for _, v := range []Validator{&c.Storage, &c.Jobs, &c.Dicom} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConf{
			MaximumStorageSize: 0,
			StableAgeStr:       "60s",
		},
		Jobs: JobsConf{
			JobsHistorySize: 100,
			Workers:         cos.NumCPU(),
			WorkerWakeupStr: "200ms",
			RetrySweepStr:   "200ms",
		},
		Dicom: DicomConf{
			DicomAssociationCloseDelayStr: "5s",
			LimitFindResults:              0,
			LimitFindInstances:            0,
			CaseSensitivePN:               false,
		},
	}
}

// globalConfigOwner holds the process-wide Config behind an atomically
// swapped pointer and serializes updates with BeginUpdate/CommitUpdate.
type globalConfigOwner struct {
	mtx sync.Mutex
	c   atomic.Pointer[Config]
}

// GCO is the process-wide config owner; set once at startup via Put.
var GCO = &globalConfigOwner{}

func (gco *globalConfigOwner) Get() *Config { return gco.c.Load() }

func (gco *globalConfigOwner) Put(config *Config) { gco.c.Store(config) }

func (gco *globalConfigOwner) Clone() *Config {
	src := gco.Get()
	clone := *src
	return &clone
}

// BeginUpdate must be followed by CommitUpdate or DiscardUpdate.
func (gco *globalConfigOwner) BeginUpdate() *Config {
	gco.mtx.Lock()
	return gco.Clone()
}

func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	gco.c.Store(config)
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Unlock()
}
