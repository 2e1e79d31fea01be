// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package refind

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// ErrCleanup is returned by FileTracker.Cleanup when one or more unused
// files could not be removed. The sweep continues past individual
// failures and reports them all at once.
const ErrCleanup = errors.ConstError("cleanup failed")

// appFs is our default filesystem.
var appFs afero.Fs = afero.NewOsFs()

// unixSyncfs flushes the filesystem backing the given descriptor.
var unixSyncfs = unix.Syncfs

// FileTracker implements mark-and-sweep garbage collection over a
// directory tree on the EFI system partition. It records every regular
// file present under the root at construction time; files not marked
// used by the time Cleanup runs are removed.
//
// Paths are compared as literal strings, so MarkUsed must be called
// with paths built the same way the tracked root was.
type FileTracker struct {
	files map[string]bool
}

// NewFileTracker scans root recursively and tracks every regular file
// found there. A missing root is not an error; the tracker starts out
// empty and Cleanup has nothing to sweep.
func NewFileTracker(root string) (*FileTracker, error) {
	files := make(map[string]bool)

	exists, err := afero.Exists(appFs, root)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot stat %s", root)
	}
	if exists {
		err := afero.Walk(appFs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				files[path] = false
			}
			return nil
		})
		if err != nil {
			return nil, errors.Annotatef(err, "cannot scan %s", root)
		}
	}

	return &FileTracker{files: files}, nil
}

// MarkUsed records path as live, whether or not it was present when the
// tracker was created. Files staged during the current run are marked
// so that Cleanup never removes what it just installed.
func (t *FileTracker) MarkUsed(path string) {
	t.files[path] = true
}

// Cleanup removes every tracked file that was never marked used. It
// attempts all removals even if some fail, and returns a single
// ErrCleanup naming each file it could not remove.
func (t *FileTracker) Cleanup() error {
	paths := make([]string, 0, len(t.files))
	for path := range t.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var failures []string
	for _, path := range paths {
		if t.files[path] {
			continue
		}
		exists, err := afero.Exists(appFs, path)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		if !exists {
			continue
		}
		if err := appFs.Remove(path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
	}

	if len(failures) > 0 {
		return errors.Annotatef(ErrCleanup, "%s", strings.Join(failures, "; "))
	}
	return nil
}

// CopyAtomic copies source to dest via a sibling temporary file and an
// atomic rename, creating dest's parent directories as needed. A reader
// never observes a partially written dest; on failure dest is left
// unchanged, though the temporary sibling may remain.
func CopyAtomic(source, dest string) error {
	if err := appFs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Annotatef(err, "cannot create directory %s", filepath.Dir(dest))
	}

	src, err := appFs.Open(source)
	if err != nil {
		return errors.Annotatef(err, "cannot open %s", source)
	}
	defer src.Close()

	tmp := dest + ".tmp"
	out, err := appFs.Create(tmp)
	if err != nil {
		return errors.Annotatef(err, "cannot create %s", tmp)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.Annotatef(err, "cannot copy %s to %s", source, tmp)
	}
	if err := out.Close(); err != nil {
		return errors.Annotatef(err, "cannot close %s", tmp)
	}

	if err := appFs.Rename(tmp, dest); err != nil {
		return errors.Annotatef(err, "cannot rename %s to %s", tmp, dest)
	}
	return nil
}

// WriteAtomic writes data to dest with the same temporary-sibling and
// rename contract as CopyAtomic, flushing the temporary file to stable
// storage before the rename.
func WriteAtomic(dest string, data []byte) error {
	if err := appFs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Annotatef(err, "cannot create directory %s", filepath.Dir(dest))
	}

	tmp := dest + ".tmp"
	out, err := appFs.Create(tmp)
	if err != nil {
		return errors.Annotatef(err, "cannot create %s", tmp)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return errors.Annotatef(err, "cannot write %s", tmp)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Annotatef(err, "cannot sync %s", tmp)
	}
	if err := out.Close(); err != nil {
		return errors.Annotatef(err, "cannot close %s", tmp)
	}

	if err := appFs.Rename(tmp, dest); err != nil {
		return errors.Annotatef(err, "cannot rename %s to %s", tmp, dest)
	}
	return nil
}

// MaybeUpdateFile copies source over dest unless the two already hold
// identical contents, and reports whether it copied. The comparison
// hashes both files rather than loading them into memory; loader
// binaries run to a few hundred kilobytes.
func MaybeUpdateFile(source, dest string) (bool, error) {
	sourceSum, err := hashFile(source)
	if err != nil {
		return false, errors.Annotatef(err, "cannot hash %s", source)
	}

	destSum, err := hashFile(dest)
	switch {
	case os.IsNotExist(errors.Cause(err)):
	case err != nil:
		return false, errors.Annotatef(err, "cannot hash %s", dest)
	case bytes.Equal(sourceSum, destSum):
		return false, nil
	}

	if err := CopyAtomic(source, dest); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := appFs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// SyncFilesystem forces all pending writes on the filesystem containing
// mountPoint to stable storage. It runs once after staging and config
// writing, before any firmware variable is touched.
func SyncFilesystem(mountPoint string) error {
	f, err := appFs.Open(mountPoint)
	if err != nil {
		return errors.Annotatef(err, "cannot open %s", mountPoint)
	}
	defer f.Close()

	if osf, ok := f.(*os.File); ok {
		if err := unixSyncfs(int(osf.Fd())); err != nil {
			return errors.Annotatef(err, "cannot sync filesystem at %s", mountPoint)
		}
		return nil
	}
	if err := f.Sync(); err != nil {
		return errors.Annotatef(err, "cannot sync filesystem at %s", mountPoint)
	}
	return nil
}
