// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package refind

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"
)

// InstallConfig is the flat JSON document the NixOS module hands us.
// The file may carry // and /* */ comments and trailing commas.
type InstallConfig struct {
	NixPath              string            `json:"nixPath"`
	RefindPath           string            `json:"refindPath"`
	EFIMountPoint        string            `json:"efiMountPoint"`
	EFIBootMgrPath       string            `json:"efiBootMgrPath"`
	CanTouchEFIVariables bool              `json:"canTouchEfiVariables"`
	EFIRemovable         bool              `json:"efiRemovable"`
	Timeout              int               `json:"timeout"`
	MaxGenerations       int               `json:"maxGenerations"`
	ExtraConfig          string            `json:"extraConfig"`
	HostArchitecture     string            `json:"hostArchitecture"`
	AdditionalFiles      map[string]string `json:"additionalFiles"`
	LUKSDevices          []LUKSDevice      `json:"luksDevices"`
}

// LUKSDevice is a mapped-name/device pair, serialized in the config as
// a two-element array.
type LUKSDevice struct {
	Name   string
	Device string
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *LUKSDevice) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("luks device entry must be a [name, device] pair, got %d elements", len(pair))
	}
	d.Name, d.Device = pair[0], pair[1]
	return nil
}

// LoadInstallConfig reads and validates the install configuration at
// path.
func LoadInstallConfig(path string) (*InstallConfig, error) {
	data, err := afero.ReadFile(appFs, path)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read config")
	}

	var cfg InstallConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, errors.Annotatef(err, "cannot parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return &cfg, nil
}

// Validate checks the fields every run needs. Paths are not required
// to exist yet; that is diagnosed where they are used.
func (c *InstallConfig) Validate() error {
	if c.NixPath == "" {
		return errors.NotValidf("empty nixPath")
	}
	if c.RefindPath == "" {
		return errors.NotValidf("empty refindPath")
	}
	if c.EFIMountPoint == "" {
		return errors.NotValidf("empty efiMountPoint")
	}
	if c.HostArchitecture == "" {
		return errors.NotValidf("empty hostArchitecture")
	}
	if c.CanTouchEFIVariables && c.EFIBootMgrPath == "" {
		return errors.NotValidf("empty efiBootMgrPath")
	}
	if c.MaxGenerations <= 0 {
		return errors.NotValidf("maxGenerations %d", c.MaxGenerations)
	}
	if c.Timeout < 0 {
		return errors.NotValidf("timeout %d", c.Timeout)
	}
	return nil
}
