// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type fakeTool struct {
	listing   string
	listErr   error
	deleteErr error
	createErr error

	calls   []string
	deleted []string
	created []CreateOptions
}

func (t *fakeTool) ListEntries() (string, error) {
	t.calls = append(t.calls, "list")
	return t.listing, t.listErr
}

func (t *fakeTool) CreateEntry(opts CreateOptions) error {
	t.calls = append(t.calls, "create")
	t.created = append(t.created, opts)
	return t.createErr
}

func (t *fakeTool) DeleteEntry(id string) error {
	t.calls = append(t.calls, "delete")
	t.deleted = append(t.deleted, id)
	return t.deleteErr
}

type reconcileSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&reconcileSuite{})

const sampleListing = `BootCurrent: 0001
Timeout: 1 seconds
BootOrder: 0000,0001,0003
Boot0000* Windows Boot Manager
Boot0001* rEFInd
Boot0003* UEFI: Built-in EFI Shell
`

func (s *reconcileSuite) TestRewritesExistingEntry(c *gc.C) {
	tool := &fakeTool{listing: sampleListing}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/nvme0n1", "3", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(tool.calls, jc.DeepEquals, []string{"list", "delete", "create"})
	c.Check(tool.deleted, jc.DeepEquals, []string{"0001"})
	c.Check(tool.created, jc.DeepEquals, []CreateOptions{{
		ID:        "0001",
		Disk:      "/dev/nvme0n1",
		Partition: "3",
		Loader:    `\efi\refind\BOOTX64.EFI`,
		Label:     "rEFInd",
		BootOrder: "0000,0001,0003",
	}})
}

func (s *reconcileSuite) TestCreatesMissingEntry(c *gc.C) {
	tool := &fakeTool{listing: "BootOrder: 0000\nBoot0000* Windows Boot Manager\n"}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/sda", "1", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(tool.calls, jc.DeepEquals, []string{"list", "create"})
	c.Check(tool.created, jc.DeepEquals, []CreateOptions{{
		Disk:      "/dev/sda",
		Partition: "1",
		Loader:    `\efi\refind\BOOTX64.EFI`,
		Label:     "rEFInd",
	}})
}

func (s *reconcileSuite) TestMatchesInactiveEntry(c *gc.C) {
	tool := &fakeTool{listing: "BootOrder: 0007\nBoot0007 rEFInd\n"}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/sda", "1", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tool.deleted, jc.DeepEquals, []string{"0007"})
}

func (s *reconcileSuite) TestMatchesLowercaseHexID(c *gc.C) {
	tool := &fakeTool{listing: "BootOrder: 000a,000b\nBoot000b* rEFInd\n"}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/sda", "1", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tool.deleted, jc.DeepEquals, []string{"000b"})
	c.Check(tool.created[0].BootOrder, gc.Equals, "000a,000b")
}

func (s *reconcileSuite) TestMissingBootOrderLine(c *gc.C) {
	tool := &fakeTool{listing: "Boot0001* rEFInd\n"}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/sda", "1", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tool.created[0].BootOrder, gc.Equals, "")
}

func (s *reconcileSuite) TestListFailureAborts(c *gc.C) {
	tool := &fakeTool{listErr: errors.Annotatef(ErrToolFailure, "efibootmgr: boom")}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/sda", "1", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIs, ErrToolFailure)
	c.Check(tool.calls, jc.DeepEquals, []string{"list"})
}

func (s *reconcileSuite) TestDeleteFailureStopsRewrite(c *gc.C) {
	tool := &fakeTool{
		listing:   sampleListing,
		deleteErr: errors.Annotatef(ErrToolFailure, "efibootmgr -b 0001 -B: boom"),
	}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/sda", "1", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIs, ErrToolFailure)
	c.Check(tool.calls, jc.DeepEquals, []string{"list", "delete"})
	c.Check(tool.created, gc.HasLen, 0)
}

func (s *reconcileSuite) TestCreateFailurePropagates(c *gc.C) {
	tool := &fakeTool{
		listing:   sampleListing,
		createErr: errors.Annotatef(ErrToolFailure, "efibootmgr -c: boom"),
	}
	r := Reconciler{Tool: tool, Label: "rEFInd"}

	err := r.Reconcile("/dev/sda", "1", `\efi\refind\BOOTX64.EFI`)
	c.Assert(err, jc.ErrorIs, ErrToolFailure)
}

type loaderFilesSuite struct{}

var _ = gc.Suite(&loaderFilesSuite{})

func (s *loaderFilesSuite) TestKnownArchitectures(c *gc.C) {
	for _, t := range []struct {
		arch, source, installed string
	}{
		{"x86_64-linux", "refind_x64.efi", "BOOTX64.EFI"},
		{"i686-linux", "refind_ia32.efi", "BOOTIA32.EFI"},
		{"aarch64-linux", "refind_aa64.efi", "BOOTAA64.EFI"},
	} {
		source, installed, err := LoaderFiles(t.arch)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(source, gc.Equals, t.source)
		c.Check(installed, gc.Equals, t.installed)
	}
}

func (s *loaderFilesSuite) TestUnknownArchitecture(c *gc.C) {
	_, _, err := LoaderFiles("riscv64-linux")
	c.Assert(err, jc.ErrorIs, ErrUnsupportedArchitecture)
	c.Check(err, gc.ErrorMatches, "riscv64-linux: unsupported architecture")
}
