// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

// Package efibootmgr keeps the firmware's boot entry for rEFInd
// pointing at the staged loader. All NVRAM access goes through the
// efibootmgr(8) utility; nothing here touches efivarfs directly.
package efibootmgr

import (
	"os/exec"
	"strings"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
)

// ErrToolFailure is returned when the firmware tool cannot be run or
// exits non-zero.
const ErrToolFailure = errors.ConstError("firmware tool failed")

// ErrUnsupportedArchitecture is returned for host architectures with no
// known loader filenames. There is no recovery short of operator
// intervention.
const ErrUnsupportedArchitecture = errors.ConstError("unsupported architecture")

// runCommand executes a command and returns its standard output.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// CreateOptions describes one boot entry to create.
type CreateOptions struct {
	// ID is the 4-hex-digit entry id to reuse. Empty lets the firmware
	// assign the next free one.
	ID string
	// Disk is the device holding the ESP, e.g. /dev/nvme0n1.
	Disk string
	// Partition is the ESP's partition number on Disk, as a string.
	Partition string
	// Loader is the backslash-separated loader path on the ESP.
	Loader string
	// Label is the boot menu label.
	Label string
	// BootOrder, when non-empty, is the comma-separated id list to
	// restore alongside the new entry.
	BootOrder string
}

// Tool abstracts the external firmware tool so tests can substitute a
// deterministic fake.
type Tool interface {
	// ListEntries returns the tool's entry table listing.
	ListEntries() (string, error)
	// CreateEntry creates a boot entry.
	CreateEntry(opts CreateOptions) error
	// DeleteEntry removes the entry with the given 4-hex-digit id.
	DeleteEntry(id string) error
}

// CommandTool is the real Tool, running the efibootmgr binary.
type CommandTool struct {
	// Path is the efibootmgr executable.
	Path string
}

func (t CommandTool) run(args ...string) ([]byte, error) {
	out, err := runCommand(t.Path, args...)
	if err != nil {
		cmdline := shellquote.Join(append([]string{t.Path}, args...)...)
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, errors.Annotatef(ErrToolFailure, "%s: %s", cmdline, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, errors.Annotatef(ErrToolFailure, "%s: %v", cmdline, err)
	}
	return out, nil
}

// ListEntries implements Tool.
func (t CommandTool) ListEntries() (string, error) {
	out, err := t.run()
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

// CreateEntry implements Tool.
func (t CommandTool) CreateEntry(opts CreateOptions) error {
	args := []string{"-c"}
	if opts.ID != "" {
		args = append(args, "-b", opts.ID)
	}
	args = append(args, "-d", opts.Disk, "-p", opts.Partition, "-l", opts.Loader, "-L", opts.Label)
	if opts.BootOrder != "" {
		args = append(args, "-o", opts.BootOrder)
	}
	_, err := t.run(args...)
	return errors.Trace(err)
}

// DeleteEntry implements Tool.
func (t CommandTool) DeleteEntry(id string) error {
	_, err := t.run("-b", id, "-B")
	return errors.Trace(err)
}
