// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package refind

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/afero"
)

// ErrGenerationList is returned when the external generation lister
// cannot be run or exits non-zero.
const ErrGenerationList = errors.ConstError("cannot list generations")

// SystemProfile is the name of the default system profile.
const SystemProfile = "system"

const (
	profilesDir       = "/nix/var/nix/profiles"
	currentSystemLink = "/run/current-system"
)

// Symlink resolution talks to the real filesystem; afero's in-memory
// implementations have no symlink support.
var (
	readlink     = os.Readlink
	evalSymlinks = filepath.EvalSymlinks
)

// runCommand executes a command and returns its standard output.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// Generation identifies one immutable system build within a profile.
type Generation struct {
	Profile string
	Number  uint64
}

// LinkPath returns the profile link naming this generation.
func (g Generation) LinkPath() string {
	if g.Profile == SystemProfile {
		return filepath.Join(profilesDir, fmt.Sprintf("system-%d-link", g.Number))
	}
	return filepath.Join(profilesDir, "system-profiles", fmt.Sprintf("%s-%d-link", g.Profile, g.Number))
}

// SpecialisationPath returns the directory of a named specialisation
// nested under this generation.
func (g Generation) SpecialisationPath(name string) string {
	return filepath.Join(g.LinkPath(), "specialisation", name)
}

// ProfilePath returns the profile link itself, the one nix-env mutates
// on every rebuild.
func ProfilePath(profile string) string {
	if profile == SystemProfile {
		return filepath.Join(profilesDir, "system")
	}
	return filepath.Join(profilesDir, "system-profiles", profile)
}

// Profiles enumerates the named system profiles, sorted. Generation
// links living in the same directory are not profiles. A machine with
// no system-profiles directory has no named profiles.
func Profiles() ([]string, error) {
	dir := filepath.Join(profilesDir, "system-profiles")
	infos, err := afero.ReadDir(appFs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "cannot read %s", dir)
	}

	names := set.NewStrings()
	for _, info := range infos {
		if !strings.HasSuffix(info.Name(), "-link") {
			names.Add(info.Name())
		}
	}
	return names.SortedValues(), nil
}

// GenerationLister abstracts the external tool that knows which
// generations a profile retains.
type GenerationLister interface {
	// ListGenerations returns the raw line-oriented listing for the
	// profile link at profilePath.
	ListGenerations(profilePath string) (string, error)
}

// NixEnvLister lists generations with the nix-env binary of the
// configured Nix installation.
type NixEnvLister struct {
	// NixPath is the root of the Nix installation, e.g. /nix/store/...-nix.
	NixPath string
}

// ListGenerations implements GenerationLister.
func (l NixEnvLister) ListGenerations(profilePath string) (string, error) {
	nixEnv := filepath.Join(l.NixPath, "bin", "nix-env")
	args := []string{"--list-generations", "-p", profilePath, "--option", "build-users-group", ""}

	out, err := runCommand(nixEnv, args...)
	if err != nil {
		cmdline := shellquote.Join(append([]string{nixEnv}, args...)...)
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", errors.Annotatef(ErrGenerationList, "%s: %s", cmdline, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", errors.Annotatef(ErrGenerationList, "%s: %v", cmdline, err)
	}
	return string(out), nil
}

// Generations returns the retained generations of a profile, oldest
// first. The lister's output carries one generation per line, number in
// the first whitespace-delimited column; lines that do not parse are
// skipped. When max > 0 only the newest max generations are kept.
func Generations(lister GenerationLister, profile string, max int) ([]Generation, error) {
	out, err := lister.ListGenerations(ProfilePath(profile))
	if err != nil {
		return nil, errors.Trace(err)
	}

	var gens []Generation
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		number, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, Generation{Profile: profile, Number: number})
	}

	if max > 0 && len(gens) > max {
		gens = gens[len(gens)-max:]
	}
	return gens, nil
}

// DefaultGeneration picks the generation the main menu entry should
// boot: the one the active system link points at, or failing that the
// highest-numbered generation known. The active link is taken from the
// system profile selection first and the running system second.
//
// gens must not be empty.
func DefaultGeneration(gens []Generation) Generation {
	if target, ok := activeSystemTarget(); ok {
		for _, g := range gens {
			linkTarget, ok := resolveLink(g.LinkPath())
			if !ok {
				linkTarget = g.LinkPath()
			}
			if samePath(linkTarget, target) {
				return g
			}
		}
	}

	newest := gens[0]
	for _, g := range gens[1:] {
		if g.Number > newest.Number {
			newest = g
		}
	}
	return newest
}

func activeSystemTarget() (string, bool) {
	for _, link := range []string{filepath.Join(profilesDir, SystemProfile), currentSystemLink} {
		if target, ok := resolveLink(link); ok {
			return target, true
		}
	}
	return "", false
}

// resolveLink reads a symlink, resolving relative targets against the
// link's own directory. Profile links are typically relative.
func resolveLink(path string) (string, bool) {
	target, err := readlink(path)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return target, true
}

func samePath(a, b string) bool {
	return canonicalPath(a) == canonicalPath(b)
}

func canonicalPath(path string) string {
	if resolved, err := evalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
