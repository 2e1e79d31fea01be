// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

// Package refind keeps the rEFInd boot menu on the EFI system
// partition in step with the NixOS generations installed on the
// machine: it stages their kernels and initrds, rewrites refind.conf
// and sweeps files no live menu entry references any more.
package refind

import (
	"io"
	"os"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/willothy/refindgen/efibootmgr"
)

var logger = loggo.GetLogger("refindgen.refind")

// bootEntryLabel names the firmware boot entry this tool owns.
const bootEntryLabel = "rEFInd"

var locateESPDevice = efibootmgr.LocateESPDevice

// Installer drives one synchronization run.
type Installer struct {
	Config *InstallConfig
	Lister GenerationLister
	Tool   efibootmgr.Tool
	Clock  clock.Clock
	// Stdout receives the generated config text in dry-run mode.
	Stdout io.Writer
	DryRun bool
}

// NewInstaller wires an Installer to the live system: the configured
// Nix installation's nix-env and the configured efibootmgr binary.
func NewInstaller(cfg *InstallConfig, dryRun bool) *Installer {
	return &Installer{
		Config: cfg,
		Lister: NixEnvLister{NixPath: cfg.NixPath},
		Tool:   efibootmgr.CommandTool{Path: cfg.EFIBootMgrPath},
		Clock:  clock.WallClock,
		Stdout: os.Stdout,
		DryRun: dryRun,
	}
}

// Run performs one synchronization pass. Everything is staged and the
// filesystem synced before any firmware variable changes, and the sweep
// of stale files runs strictly last. Nothing locks the partition:
// concurrent runs are unsafe and may race on the tracker's view of
// which files are still used.
//
// In dry-run mode Run writes the config text it would install to Stdout
// and leaves the filesystem and firmware untouched.
func (i *Installer) Run() error {
	start := i.Clock.Now()
	cfg := i.Config

	ordered, err := i.catalog()
	if err != nil {
		return errors.Trace(err)
	}
	if len(ordered) == 0 {
		return errors.Errorf("no generations in any profile")
	}
	def := DefaultGeneration(ordered)
	logger.Debugf("default entry: generation %d of profile %s", def.Number, def.Profile)

	tracker, err := NewFileTracker(filepath.Join(cfg.EFIMountPoint, refindDir))
	if err != nil {
		return errors.Trace(err)
	}
	synth := &Synthesizer{
		ESPMount: cfg.EFIMountPoint,
		Tracker:  tracker,
		Clock:    i.Clock,
		DryRun:   i.DryRun,
	}

	if i.DryRun {
		text, err := synth.BuildConfig(cfg, ordered, def)
		if err != nil {
			return errors.Trace(err)
		}
		_, err = io.WriteString(i.Stdout, text)
		return errors.Trace(err)
	}

	installed, err := i.installLoader(tracker)
	if err != nil {
		return errors.Trace(err)
	}

	text, err := synth.BuildConfig(cfg, ordered, def)
	if err != nil {
		return errors.Trace(err)
	}

	if err := i.copyAdditionalFiles(tracker); err != nil {
		return errors.Trace(err)
	}

	confPath := filepath.Join(cfg.EFIMountPoint, refindDir, configName)
	if err := WriteAtomic(confPath, []byte(text)); err != nil {
		return errors.Trace(err)
	}
	tracker.MarkUsed(confPath)

	if err := SyncFilesystem(cfg.EFIMountPoint); err != nil {
		return errors.Trace(err)
	}

	if cfg.CanTouchEFIVariables {
		if err := i.reconcileFirmware(installed); err != nil {
			return errors.Trace(err)
		}
	}

	if err := tracker.Cleanup(); err != nil {
		logger.Warningf("%v", err)
	}

	logger.Infof("synchronized %d generations in %v", len(ordered), i.Clock.Now().Sub(start))
	return nil
}

// catalog lists the retained generations of the system profile and of
// every named profile, newest first within each profile, in the order
// the menu shows them. A lister failure aborts the run: sweeping with a
// partial catalog would delete kernels that still back live entries.
func (i *Installer) catalog() ([]Generation, error) {
	named, err := Profiles()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var ordered []Generation
	for _, profile := range append([]string{SystemProfile}, named...) {
		gens, err := Generations(i.Lister, profile, i.Config.MaxGenerations)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for k := len(gens) - 1; k >= 0; k-- {
			ordered = append(ordered, gens[k])
		}
	}
	return ordered, nil
}

// installLoader refreshes the rEFInd loader binaries on the partition
// and returns the architecture's installed loader file name.
func (i *Installer) installLoader(tracker *FileTracker) (string, error) {
	source, installed, err := efibootmgr.LoaderFiles(i.Config.HostArchitecture)
	if err != nil {
		return "", errors.Trace(err)
	}

	sourcePath := filepath.Join(i.Config.RefindPath, "share", "refind", source)
	dests := []string{filepath.Join(i.Config.EFIMountPoint, refindDir, installed)}
	if i.Config.EFIRemovable {
		dests = append(dests, filepath.Join(i.Config.EFIMountPoint, "EFI", "BOOT", installed))
	}

	for _, dest := range dests {
		updated, err := MaybeUpdateFile(sourcePath, dest)
		if err != nil {
			return "", errors.Trace(err)
		}
		if updated {
			logger.Debugf("installed %s", dest)
		}
		tracker.MarkUsed(dest)
	}
	return installed, nil
}

func (i *Installer) copyAdditionalFiles(tracker *FileTracker) error {
	dests := set.NewStrings()
	for dest := range i.Config.AdditionalFiles {
		dests.Add(dest)
	}

	for _, dest := range dests.SortedValues() {
		target := filepath.Join(i.Config.EFIMountPoint, dest)
		if err := CopyAtomic(i.Config.AdditionalFiles[dest], target); err != nil {
			return errors.Annotatef(err, "additional file %s", dest)
		}
		tracker.MarkUsed(target)
	}
	return nil
}

// reconcileFirmware points the rEFInd NVRAM entry at the loader file
// installed this run.
func (i *Installer) reconcileFirmware(installed string) error {
	disk, partition, err := locateESPDevice(i.Config.EFIMountPoint)
	if err != nil {
		return errors.Trace(err)
	}

	r := efibootmgr.Reconciler{Tool: i.Tool, Label: bootEntryLabel}
	loader := `\efi\refind\` + installed
	return errors.Trace(r.Reconcile(disk, partition, loader))
}
