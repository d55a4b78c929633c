// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pyruntime ingests a live Python interpreter tree into the CAS as a RuntimeObject
// (spec §3 "Runtime"), backing both `px python install` (spec §4's supplemented feature) and
// the first-run bootstrap every mutating command needs before it can build a Profile.
package pyruntime

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pxdev/px/pkg/cas"
	"github.com/pxdev/px/pkg/dir"
	"github.com/pxdev/px/pkg/python/pyinspect"
)

// Ingest introspects exe, tars up the interpreter tree rooted at its installation prefix
// (derived from the scheme's scripts directory), and stores it as a RuntimeObject, returning
// its OID.
func Ingest(ctx context.Context, store *cas.Store, exe string) (string, error) {
	info, err := pyinspect.Dynamic(ctx, exe)
	if err != nil {
		return "", fmt.Errorf("pyruntime.Ingest: inspecting %s: %w", exe, err)
	}

	prefix := filepath.Dir(info.Scheme.Scripts)
	layer, err := dir.LayerFromDir(prefix, nil, nil, time.Time{})
	if err != nil {
		return "", fmt.Errorf("pyruntime.Ingest: tar %s: %w", prefix, err)
	}
	rc, err := layer.Uncompressed()
	if err != nil {
		return "", fmt.Errorf("pyruntime.Ingest: read interpreter tree: %w", err)
	}
	defer rc.Close()
	archive, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("pyruntime.Ingest: read interpreter tree: %w", err)
	}

	abi := ""
	if len(info.Tags) > 0 {
		abi = info.Tags[0].ABI
	}

	obj := &cas.RuntimeObject{
		Version:  fmt.Sprintf("%d.%d.%d", info.VersionInfo.Major, info.VersionInfo.Minor, info.VersionInfo.Micro),
		ABI:      abi,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		ExePath:  exe,
		Archive:  archive,
	}
	oid, err := store.Write(ctx, obj)
	if err != nil {
		return "", fmt.Errorf("pyruntime.Ingest: %w", err)
	}
	return oid, nil
}
