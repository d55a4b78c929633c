// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pkgbuild ingests a fetched wheel into a CAS PkgBuildObject: it installs the wheel
// against a target python.Platform with pkg/python/pypa/bdist (the same installer the teacher
// uses to turn a wheel into an OCI layer) and writes the resulting install tree's tar stream
// as the object's payload (spec §4.7's "Profile packages are addressed by pkg-build OID").
package pkgbuild

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pxdev/px/pkg/cas"
	"github.com/pxdev/px/pkg/python"
	"github.com/pxdev/px/pkg/python/pypa/bdist"
)

// Input is one resolved pin's wheel, already fetched to disk by pkg/fetch.
type Input struct {
	SourceOID  string // the Source object this build was produced from
	RuntimeABI string
	Platform   python.Platform
	WheelPath  string
	BuildTime  time.Time
}

// Build installs wheelPath against in.Platform, stores the resulting tree as a PkgBuildObject,
// and returns its OID.
func Build(ctx context.Context, store *cas.Store, in Input) (string, error) {
	layer, err := bdist.InstallWheel(ctx, in.Platform, in.BuildTime, in.BuildTime, in.WheelPath, nil)
	if err != nil {
		return "", fmt.Errorf("pkgbuild.Build: install %s: %w", in.WheelPath, err)
	}

	rc, err := layer.Uncompressed()
	if err != nil {
		return "", fmt.Errorf("pkgbuild.Build: read install tree: %w", err)
	}
	defer rc.Close()
	archive, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("pkgbuild.Build: read install tree: %w", err)
	}

	obj := &cas.PkgBuildObject{
		SourceOID:  in.SourceOID,
		RuntimeABI: in.RuntimeABI,
		BuilderID:  "pkgbuild.bdist",
		Archive:    archive,
	}
	oid, err := store.Write(ctx, obj)
	if err != nil {
		return "", fmt.Errorf("pkgbuild.Build: %w", err)
	}
	return oid, nil
}
