// Package store implements the transactional database wrapper over
// tidwall/buntdb and the resource index built on top of it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import "github.com/prometheus/client_golang/prometheus"

// indexStats exposes the resource index's operational counters through
// prometheus.Collector, so a caller can register them on its own registry.
type indexStats struct {
	instancesStored     prometheus.Counter
	deletes             prometheus.Counter
	changesEmitted      prometheus.Counter
	totalCompressedSize prometheus.Gauge
}

func newIndexStats() *indexStats {
	return &indexStats{
		instancesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orthanc", Subsystem: "store", Name: "instances_stored_total",
			Help: "Number of DICOM instances successfully ingested.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orthanc", Subsystem: "store", Name: "resources_deleted_total",
			Help: "Number of resources removed, including quota-driven recycling.",
		}),
		changesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orthanc", Subsystem: "store", Name: "changes_emitted_total",
			Help: "Number of Change events broadcast by the index.",
		}),
		totalCompressedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orthanc", Subsystem: "store", Name: "total_compressed_bytes",
			Help: "Sum of compressed attachment sizes across all resources.",
		}),
	}
}

// Collectors returns the metrics for registration on a prometheus.Registerer.
func (s *indexStats) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.instancesStored, s.deletes, s.changesEmitted, s.totalCompressedSize}
}

// Collectors exposes the index's stats collectors for registration by the
// process entrypoint.
func (idx *Index) Collectors() []prometheus.Collector { return idx.stats.Collectors() }
