// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package refind

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/spf13/afero"

	"github.com/willothy/refindgen/bootspec"
)

// Locations on the ESP, relative to the mount point. Menu URIs use the
// same spelling with a leading slash; rEFInd wants forward slashes.
const (
	refindDir  = "efi/refind"
	kernelsDir = "efi/refind/kernels"
	configName = "refind.conf"
)

// Synthesizer renders the boot menu for a set of generations, staging
// every referenced kernel and initrd onto the ESP as it goes.
type Synthesizer struct {
	// ESPMount is where the EFI system partition is mounted.
	ESPMount string
	// Tracker records staged files so the final sweep keeps them.
	// Unused in dry-run mode.
	Tracker *FileTracker
	// Clock stamps the generated config header.
	Clock clock.Clock
	// DryRun computes URIs and config text without copying, marking
	// or writing anything.
	DryRun bool
}

// BuildConfig renders the complete configuration: header, timeout,
// verbatim extra config, LUKS mapping comments, the main entry for the
// default generation, then one block per generation in menu order.
// Callers pass generations in final menu order; the default generation
// is rendered first regardless of where it sits in that order.
func (s *Synthesizer) BuildConfig(cfg *InstallConfig, ordered []Generation, def Generation) (string, error) {
	var sections []string

	header := fmt.Sprintf("# Generated by refindgen at %s. Do not edit.\ntimeout %d\n",
		s.Clock.Now().UTC().Format(time.RFC3339), cfg.Timeout)
	sections = append(sections, header)

	if cfg.ExtraConfig != "" {
		extra := cfg.ExtraConfig
		if !strings.HasSuffix(extra, "\n") {
			extra += "\n"
		}
		sections = append(sections, extra)
	}

	if len(cfg.LUKSDevices) > 0 {
		var lines strings.Builder
		for _, dev := range cfg.LUKSDevices {
			fmt.Fprintf(&lines, "# luks %s %s\n", dev.Name, dev.Device)
		}
		sections = append(sections, lines.String())
	}

	defSpec, err := bootspec.Load(appFs, def.LinkPath())
	if err != nil {
		return "", errors.Annotatef(err, "default generation %d of profile %s", def.Number, def.Profile)
	}
	mainEntry, err := s.bootEntry(false, defSpec, "NixOS")
	if err != nil {
		return "", errors.Annotatef(err, "default generation %d of profile %s", def.Number, def.Profile)
	}
	sections = append(sections, mainEntry)

	for _, g := range ordered {
		entry, err := s.GenerationEntry(g)
		if err != nil {
			return "", errors.Trace(err)
		}
		sections = append(sections, entry)
	}

	return strings.Join(sections, "\n"), nil
}

// GenerationEntry renders the menu block for one generation: a flat
// entry when it has no specialisations, otherwise an outer entry
// holding a Default sub-entry plus one per specialisation, sorted by
// name.
func (s *Synthesizer) GenerationEntry(g Generation) (string, error) {
	spec, err := bootspec.Load(appFs, g.LinkPath())
	if err != nil {
		return "", errors.Annotatef(err, "generation %d of profile %s", g.Number, g.Profile)
	}

	label := generationLabel(g)
	if len(spec.Specialisations) == 0 {
		entry, err := s.bootEntry(false, spec, label)
		if err != nil {
			return "", errors.Annotatef(err, "generation %d of profile %s", g.Number, g.Profile)
		}
		return entry, nil
	}

	names := make([]string, 0, len(spec.Specialisations))
	for name := range spec.Specialisations {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	fmt.Fprintf(&out, "menuentry \"%s\" {\n", label)

	entry, err := s.bootEntry(true, spec, "Default")
	if err != nil {
		return "", errors.Annotatef(err, "generation %d of profile %s", g.Number, g.Profile)
	}
	out.WriteString(entry)

	for _, name := range names {
		entry, err := s.bootEntry(true, spec.Specialisations[name], name)
		if err != nil {
			return "", errors.Annotatef(err, "specialisation %q of generation %d of profile %s", name, g.Number, g.Profile)
		}
		out.WriteString(entry)
	}

	out.WriteString("}\n")
	return out.String(), nil
}

func generationLabel(g Generation) string {
	if g.Profile == SystemProfile {
		return fmt.Sprintf("NixOS Generation %d", g.Number)
	}
	return fmt.Sprintf("NixOS %s Generation %d", g.Profile, g.Number)
}

// bootEntry renders a single menuentry (or submenuentry) block,
// staging the record's kernel and initrd.
func (s *Synthesizer) bootEntry(sub bool, rec *bootspec.BootSpec, label string) (string, error) {
	var out strings.Builder

	keyword := "menuentry"
	if sub {
		keyword = "submenuentry"
	}
	fmt.Fprintf(&out, "%s \"%s\" {\n", keyword, label)

	kernelURI, err := s.stage(rec.Kernel)
	if err != nil {
		return "", errors.Annotatef(err, "kernel")
	}
	fmt.Fprintf(&out, "  loader %s\n", kernelURI)

	if rec.Initrd != "" {
		initrdURI, err := s.stage(rec.Initrd)
		if err != nil {
			return "", errors.Annotatef(err, "initrd")
		}
		fmt.Fprintf(&out, "  initrd %s\n", initrdURI)
	}

	params := append([]string{"init=" + rec.Init}, rec.KernelParams...)
	fmt.Fprintf(&out, "  options \"%s\"\n", escapeQuotes(strings.Join(params, " ")))

	out.WriteString("}\n")
	return out.String(), nil
}

// stage copies a store file onto the ESP under a name derived from its
// store directory and filename, so that generations sharing a kernel
// share one staged copy. The file is copied only when absent and always
// marked used. Returns the rEFInd-visible URI.
func (s *Synthesizer) stage(source string) (string, error) {
	resolved, err := evalSymlinks(source)
	if err != nil {
		return "", errors.Annotatef(err, "cannot resolve %s", source)
	}

	name := filepath.Base(filepath.Dir(resolved)) + "-" + filepath.Base(resolved)
	uri := "/" + kernelsDir + "/" + name
	if s.DryRun {
		return uri, nil
	}

	dest := filepath.Join(s.ESPMount, kernelsDir, name)
	exists, err := afero.Exists(appFs, dest)
	if err != nil {
		return "", errors.Annotatef(err, "cannot stat %s", dest)
	}
	if !exists {
		if err := CopyAtomic(resolved, dest); err != nil {
			return "", errors.Trace(err)
		}
	}
	s.Tracker.MarkUsed(dest)

	return uri, nil
}

// rEFInd escapes a literal quote inside a quoted string by doubling it.
func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}
