// Command orthancd wires the database wrapper, resource index, jobs
// registry/engine, and the idle-association reaper into one running
// process; the REST front-end and the DICOM network listeners plug in as
// external collaborators, so this entrypoint's job ends at standing the
// core up and keeping it alive until signaled to stop.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/jobs"
	"github.com/jodogne/orthanc-go/peer"
	"github.com/jodogne/orthanc-go/storage"
	"github.com/jodogne/orthanc-go/store"
)

func main() {
	dbPath := flag.String("db", "orthanc.db", "path to the buntdb database file")
	storageRoot := flag.String("storage", "./storage", "root of the filesystem storage area")
	jobsFile := flag.String("jobs-file", "jobs.json", "path to the persisted jobs registry snapshot")
	maxStorageSize := flag.Int64("max-storage-size", 0, "storage quota in bytes, 0 disables recycling")
	workers := flag.Int("workers", 0, "worker count, 0 uses hardware concurrency")
	flag.Parse()
	defer glog.Flush()

	cmn.InitShortID(uint64(time.Now().UnixNano()))

	cfg := cmn.DefaultConfig()
	cfg.Storage.MaximumStorageSize = *maxStorageSize
	if *workers > 0 {
		cfg.Jobs.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		glog.Fatalf("invalid configuration: %v", err)
	}
	cmn.GCO.Put(cfg)

	db, err := store.Open(*dbPath)
	if err != nil {
		glog.Fatalf("cannot open database: %v", err)
	}
	defer db.Close()

	area := storage.NewFSArea(*storageRoot)
	idx := store.NewIndex(db, area, cfg)

	registry := jobs.NewRegistry(cfg.Jobs.JobsHistorySize)
	if _, err := os.Stat(*jobsFile); err == nil {
		loaded, err := jobs.LoadFromFile(*jobsFile, cfg.Jobs.JobsHistorySize)
		if err != nil {
			glog.Errorf("cannot load jobs registry snapshot %s: %v", *jobsFile, err)
		} else {
			registry = loaded
		}
	}
	engine := jobs.NewEngine(registry, cfg)
	engine.Run()

	reaper := peer.NewManager(dialNotImplemented, cfg.Dicom.DicomAssociationCloseDelay)

	registerer := prometheus.DefaultRegisterer
	for _, c := range idx.Collectors() {
		if err := registerer.Register(c); err != nil {
			glog.Warningf("cannot register stats collector: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go runReaperLoop(ctx, reaper)
	go runStableLoop(ctx, idx, cfg.Storage.StableAge)

	glog.Infof("orthancd running: db=%s storage=%s workers=%d", *dbPath, *storageRoot, cfg.Jobs.Workers)
	<-sigCh
	glog.Infof("shutting down")
	cancel()

	if err := engine.Stop(); err != nil {
		glog.Errorf("jobs engine stop: %v", err)
	}
	if err := registry.SaveToFile(*jobsFile); err != nil {
		glog.Errorf("cannot persist jobs registry snapshot: %v", err)
	}
	reaper.Close()
}

// dialNotImplemented stands in for the wire-level association dialer; the
// DICOM transport plugs in here.
func dialNotImplemented(localAET string, remote peer.Modality) (peer.Connection, error) {
	return nil, cmn.NewAppError(cmn.NotImplemented, "no DICOM transport is wired in")
}

// runStableLoop periodically reports resources that have gone StableAge
// without receiving a new instance, at a quarter of the age so a resource
// never stays unreported for long past its window.
func runStableLoop(ctx context.Context, idx *store.Index, age time.Duration) {
	interval := age / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := idx.SweepStable(); err != nil {
				glog.Errorf("cannot sweep stable resources: %v", err)
			}
		}
	}
}

// runReaperLoop ticks the idle-association reaper at a quarter of the
// configured close delay, often enough that an idle association never
// outlives the delay by much.
func runReaperLoop(ctx context.Context, mgr *peer.Manager) {
	interval := mgr.GetTimeout() / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.CheckTimeout()
		}
	}
}
