// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dlog"
)

// materializableKind maps a CAS kind to its subdirectory under <store>/materialized, per
// spec §4.2 "Materialization": "For PkgBuild and Runtime and RepoSnapshot objects, extract
// their archive once into materialized/<kind>/<oid>/."
func materializableKind(kind string) (string, bool) {
	switch kind {
	case "pkg_build":
		return "pkg-builds", true
	case "runtime":
		return "runtimes", true
	case "repo_snapshot":
		return "repo-snapshots", true
	default:
		return "", false
	}
}

// Materialize extracts oid's archive payload into <store>/materialized/<kind>/<oid>/ if not
// already present, and makes the resulting tree read-only. It is idempotent and shared by
// all owners: a second caller sees the existing directory and does no work.
func (s *Store) Materialize(ctx context.Context, oid string) (string, error) {
	loaded, err := s.Load(ctx, oid)
	if err != nil {
		return "", err
	}
	sub, ok := materializableKind(loaded.Kind)
	if !ok {
		return "", fmt.Errorf("cas.Materialize: object kind %q is not materializable", loaded.Kind)
	}

	dest := filepath.Join(s.ctx.MaterializedDir(), sub, oid)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return dest, nil
	}

	lock, err := acquireLock(ctx, s.ctx.LocksDir(), "materialize-"+oid)
	if err != nil {
		return "", err
	}
	defer lock.Release(ctx)

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return dest, nil // lost the race to another writer; their result is as good as ours
	}

	stagingDir := dest + ".staging"
	_ = os.RemoveAll(stagingDir)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("cas.Materialize: %w", err)
	}

	if err := extractTar(loaded.Payload, stagingDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return "", fmt.Errorf("cas.Materialize %s: %w: %v", oid, ErrDecodeFailure, err)
	}

	if err := makeTreeReadOnly(stagingDir); err != nil {
		dlog.Warnf(ctx, "cas: making materialized tree read-only: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		_ = os.RemoveAll(stagingDir)
		return "", err
	}
	if err := os.Rename(stagingDir, dest); err != nil {
		_ = os.RemoveAll(stagingDir)
		return "", fmt.Errorf("cas.Materialize: %w", err)
	}

	dlog.Infof(ctx, "cas: materialized %s %s at %s", loaded.Kind, oid, dest)
	return dest, nil
}

func extractTar(archive []byte, destDir string) error {
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777|0o200)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // archive contents are digest-verified before extraction
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// ignore hardlinks/devices/etc: wheels and sdists never contain them.
		}
	}
}

func makeTreeReadOnly(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.Chmod(path, 0o555)
		}
		mode := info.Mode() & 0o777
		return os.Chmod(path, mode&^0o222)
	})
}

// LinkMaterialized hard-links (falling back to a copy, e.g. across filesystems, or on
// Windows a copy as well) every file under a materialized tree into destDir, preserving
// relative paths. Used by the Environment Materializer (C7) to populate an env's bin/ and
// site-packages/ from CAS (spec §4.2 "Materialization is shared by all owners (hard link
// when possible, copy otherwise)").
func LinkMaterialized(srcDir, destDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dest := filepath.Join(destDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(dest)
			return os.Symlink(target, dest)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		_ = os.Remove(dest)
		if err := os.Link(path, dest); err != nil {
			return copyFile(path, dest, info.Mode())
		}
		return nil
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
