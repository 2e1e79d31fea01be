// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("refindgen.efibootmgr")

var bootOrderPattern = regexp.MustCompile(`BootOrder: ((?:[0-9a-fA-F]{4},?)*)`)

// LoaderFiles returns the rEFInd binary shipped for a host architecture
// and the standard removable-media filename it is installed as.
func LoaderFiles(arch string) (source, installed string, err error) {
	switch {
	case strings.HasPrefix(arch, "x86_64"):
		return "refind_x64.efi", "BOOTX64.EFI", nil
	case strings.HasPrefix(arch, "i686"):
		return "refind_ia32.efi", "BOOTIA32.EFI", nil
	case strings.HasPrefix(arch, "aarch64"):
		return "refind_aa64.efi", "BOOTAA64.EFI", nil
	}
	return "", "", errors.Annotatef(ErrUnsupportedArchitecture, "%s", arch)
}

// Reconciler rewrites the firmware boot entry carrying one label.
type Reconciler struct {
	Tool  Tool
	Label string
}

// Reconcile points the label's firmware entry at loaderPath on the
// given disk and partition. An existing entry keeps its id and the
// global boot order is re-supplied so every other entry keeps its
// relative position; with no existing entry the firmware assigns a
// fresh id and appends it to the order.
//
// The rewrite is not transactional: a crash between the delete and the
// recreate leaves the label with no entry at all.
func (r Reconciler) Reconcile(disk, partition, loaderPath string) error {
	listing, err := r.Tool.ListEntries()
	if err != nil {
		return errors.Trace(err)
	}

	id, ok := findEntry(listing, r.Label)
	if !ok {
		logger.Debugf("no %q entry, creating one for %s", r.Label, loaderPath)
		return errors.Trace(r.Tool.CreateEntry(CreateOptions{
			Disk:      disk,
			Partition: partition,
			Loader:    loaderPath,
			Label:     r.Label,
		}))
	}

	order := findBootOrder(listing)
	logger.Debugf("rewriting Boot%s to %s", id, loaderPath)
	if err := r.Tool.DeleteEntry(id); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.Tool.CreateEntry(CreateOptions{
		ID:        id,
		Disk:      disk,
		Partition: partition,
		Loader:    loaderPath,
		Label:     r.Label,
		BootOrder: order,
	}))
}

// findEntry scans an entry table listing for the label and returns its
// 4-hex-digit id.
func findEntry(listing, label string) (string, bool) {
	pattern := regexp.MustCompile(`Boot([0-9a-fA-F]{4})\*? ` + regexp.QuoteMeta(label))
	m := pattern.FindStringSubmatch(listing)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// findBootOrder extracts the raw comma-separated boot order from an
// entry table listing, in the exact spelling the tool printed it.
func findBootOrder(listing string) string {
	m := bootOrderPattern.FindStringSubmatch(listing)
	if m == nil {
		return ""
	}
	return m[1]
}
