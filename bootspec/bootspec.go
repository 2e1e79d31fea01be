// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

// Package bootspec loads the versioned boot.json descriptor that NixOS
// writes into every system generation.
package bootspec

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/afero"
)

// ErrBadDescriptor is returned for descriptors that are missing, unreadable
// or fail schema validation.
const ErrBadDescriptor = errors.ConstError("invalid boot descriptor")

// DescriptorName is the name of the descriptor file inside a generation
// directory.
const DescriptorName = "boot.json"

// BootSpec describes how to boot one system configuration.
//
// Specialisations are named variant configurations nested under the same
// generation; each carries a complete BootSpec of its own, so the model is a
// tree of arbitrary depth. A loaded tree is read-only.
type BootSpec struct {
	System          string
	Init            string
	Kernel          string
	KernelParams    []string
	Label           string
	Toplevel        string
	Initrd          string
	InitrdSecrets   string
	Specialisations map[string]*BootSpec
}

// document mirrors the on-disk layout: a versioned base record plus a
// versioned map of specialisation sub-documents with the same shape. Keys we
// do not know about are ignored so newer descriptors keep loading.
type document struct {
	Record          *record             `json:"org.nixos.bootspec.v1"`
	Specialisations map[string]document `json:"org.nixos.specialisation.v1"`
}

type record struct {
	System        string    `json:"system"`
	Init          string    `json:"init"`
	Kernel        string    `json:"kernel"`
	KernelParams  *[]string `json:"kernelParams"`
	Label         string    `json:"label"`
	Toplevel      string    `json:"toplevel"`
	Initrd        string    `json:"initrd"`
	InitrdSecrets string    `json:"initrdSecrets"`
}

// Load reads and validates the boot descriptor of the given generation
// directory. It has no side effects.
func Load(fsys afero.Fs, generationDir string) (*BootSpec, error) {
	path := filepath.Join(generationDir, DescriptorName)
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, errors.Annotatef(ErrBadDescriptor, "reading %s: %v", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Annotatef(ErrBadDescriptor, "parsing %s: %v", path, err)
	}

	spec, err := doc.toSpec()
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return spec, nil
}

func (d document) toSpec() (*BootSpec, error) {
	if d.Record == nil {
		return nil, errors.Annotatef(ErrBadDescriptor, `missing "org.nixos.bootspec.v1" record`)
	}
	if err := d.Record.validate(); err != nil {
		return nil, errors.Trace(err)
	}

	spec := &BootSpec{
		System:        d.Record.System,
		Init:          d.Record.Init,
		Kernel:        d.Record.Kernel,
		KernelParams:  *d.Record.KernelParams,
		Label:         d.Record.Label,
		Toplevel:      d.Record.Toplevel,
		Initrd:        d.Record.Initrd,
		InitrdSecrets: d.Record.InitrdSecrets,
	}

	if len(d.Specialisations) == 0 {
		return spec, nil
	}
	spec.Specialisations = make(map[string]*BootSpec, len(d.Specialisations))
	for name, sub := range d.Specialisations {
		// Names become path segments and menu labels. The descriptor
		// format cannot express a cycle, but a hostile name could
		// still escape the generation directory.
		if !validName(name) {
			return nil, errors.Annotatef(ErrBadDescriptor, "specialisation name %q is not a valid path segment", name)
		}
		child, err := sub.toSpec()
		if err != nil {
			return nil, errors.Annotatef(err, "specialisation %q", name)
		}
		spec.Specialisations[name] = child
	}
	return spec, nil
}

func (r *record) validate() error {
	missing := ""
	switch {
	case r.System == "":
		missing = "system"
	case r.Init == "":
		missing = "init"
	case r.Kernel == "":
		missing = "kernel"
	case r.KernelParams == nil:
		missing = "kernelParams"
	case r.Label == "":
		missing = "label"
	case r.Toplevel == "":
		missing = "toplevel"
	}
	if missing != "" {
		return errors.Annotatef(ErrBadDescriptor, "missing required field %q", missing)
	}
	return nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
