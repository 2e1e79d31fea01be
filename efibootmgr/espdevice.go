// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// The walk below inspects the live system, so everything it calls is
// swappable for tests.
var (
	evalSymlinks = filepath.EvalSymlinks

	statDevice = func(path string) (uint64, error) {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return 0, err
		}
		return uint64(st.Dev), nil
	}

	getMounts = func() (map[string]string, error) {
		infos, err := mountinfo.GetMounts(nil)
		if err != nil {
			return nil, err
		}
		mounts := make(map[string]string, len(infos))
		for _, info := range infos {
			mounts[info.Mountpoint] = info.Source
		}
		return mounts, nil
	}
)

var (
	nvmePartitionPattern   = regexp.MustCompile(`^(nvme\d+n\d+)p\d+$`)
	simplePartitionPattern = regexp.MustCompile(`^([a-z]+)\d+$`)
)

// LocateESPDevice maps the ESP mount point to the disk device holding
// it and the partition number on that disk, the two coordinates the
// firmware tool needs to write an entry.
func LocateESPDevice(mountPoint string) (disk, partition string, err error) {
	mount, err := findMountPoint(mountPoint)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	mounts, err := getMounts()
	if err != nil {
		return "", "", errors.Annotatef(err, "cannot read mount table")
	}
	device, ok := mounts[mount]
	if !ok {
		return "", "", errors.Errorf("cannot find device for mount point %s", mount)
	}

	// The mount table may name the device by a symlink, e.g. under
	// /dev/disk/by-uuid.
	resolved, err := evalSymlinks(device)
	if err != nil {
		return "", "", errors.Annotatef(err, "cannot resolve %s", device)
	}

	return splitPartition(resolved)
}

// findMountPoint walks up from path to the first directory whose
// device id differs from its parent's.
func findMountPoint(path string) (string, error) {
	current, err := evalSymlinks(path)
	if err != nil {
		return "", errors.Annotatef(err, "cannot resolve %s", path)
	}

	for {
		isMount, err := isMountPoint(current)
		if err != nil {
			return "", errors.Trace(err)
		}
		if isMount {
			return current, nil
		}
		current = filepath.Dir(current)
	}
}

func isMountPoint(path string) (bool, error) {
	parent := filepath.Dir(path)
	if parent == path {
		return true, nil
	}

	dev, err := statDevice(path)
	if err != nil {
		return false, errors.Annotatef(err, "cannot stat %s", path)
	}
	parentDev, err := statDevice(parent)
	if err != nil {
		return false, errors.Annotatef(err, "cannot stat %s", parent)
	}
	return dev != parentDev, nil
}

// splitPartition splits a partition device node into the whole-disk
// node and the partition number. NVMe namespaces carry a p separator
// before the partition digits; simple devices just append them.
func splitPartition(device string) (string, string, error) {
	name := filepath.Base(device)

	var disk string
	if strings.Contains(name, "nvme") {
		if m := nvmePartitionPattern.FindStringSubmatch(name); m != nil {
			disk = "/dev/" + m[1]
		}
	}
	if disk == "" {
		m := simplePartitionPattern.FindStringSubmatch(name)
		if m == nil {
			return "", "", errors.Errorf("cannot determine disk device for partition %s", device)
		}
		disk = "/dev/" + m[1]
	}

	partition := strings.TrimPrefix(device, disk)
	partition = strings.TrimPrefix(partition, "p")
	return disk, partition, nil
}
