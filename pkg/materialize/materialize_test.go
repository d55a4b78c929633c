// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package materialize_test

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/cas"
	"github.com/pxdev/px/pkg/materialize"
	"github.com/pxdev/px/pkg/pxctx"
)

func tarArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o755, Size: int64(len(contents)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func newTestStore(t *testing.T) (*cas.Store, *pxctx.Context) {
	t.Helper()
	root := t.TempDir()
	pctx := &pxctx.Context{StoreRoot: root, EnvsRoot: filepath.Join(root, "envs"), CacheRoot: filepath.Join(root, "cache")}
	store, err := cas.Open(context.Background(), pctx)
	require.NoError(t, err)
	return store, pctx
}

func TestMaterializeBuildsEnvWithShimAndPth(t *testing.T) {
	t.Parallel()
	store, pctx := newTestStore(t)
	ctx := context.Background()

	runtimeArchive := tarArchive(t, map[string]string{"bin/python3": "#!/bin/sh\necho fake-python\n"})
	runtimeOID, err := store.Write(ctx, &cas.RuntimeObject{Version: "3.11.9", ABI: "cp311", Platform: "linux", Archive: runtimeArchive})
	require.NoError(t, err)

	pkgArchive := tarArchive(t, map[string]string{
		"site-packages/click/__init__.py": "x = 1\n",
		"bin/click-cli":                   "#!/usr/bin/env python3\nprint('hi')\n",
	})
	pkgOID, err := store.Write(ctx, &cas.PkgBuildObject{SourceOID: "src-click", RuntimeABI: "cp311", Archive: pkgArchive})
	require.NoError(t, err)

	req := materialize.Request{
		ProjectRootFingerprint: "proj-1", LockID: "lock-1", RuntimeVersion: "3.11.9",
		ProfileOID: "profile-1", RuntimeOID: runtimeOID,
		Packages: []cas.ProfilePackage{{Name: "click", Version: "8.1.7", PkgBuildOID: pkgOID}},
	}

	envDir, err := materialize.Materialize(ctx, store, pctx.EnvsRoot, req)
	require.NoError(t, err)

	shimBytes, err := os.ReadFile(filepath.Join(envDir, "bin", "python"))
	require.NoError(t, err)
	assert.Contains(t, string(shimBytes), "PYTHONHOME")

	cliBytes, err := os.ReadFile(filepath.Join(envDir, "bin", "click-cli"))
	require.NoError(t, err)
	assert.Contains(t, string(cliBytes), "#!"+filepath.Join(envDir, "bin", "python"))

	pthBytes, err := os.ReadFile(filepath.Join(envDir, "lib", "python3.11", "site-packages", "px.pth"))
	require.NoError(t, err)
	assert.Contains(t, string(pthBytes), "site-packages")
}

func TestMaterializeIsIdempotentByEnvID(t *testing.T) {
	t.Parallel()
	store, pctx := newTestStore(t)
	ctx := context.Background()

	runtimeOID, err := store.Write(ctx, &cas.RuntimeObject{Version: "3.11.9", Archive: tarArchive(t, map[string]string{"bin/python3": "x"})})
	require.NoError(t, err)

	req := materialize.Request{ProjectRootFingerprint: "proj-1", LockID: "lock-1", RuntimeVersion: "3.11.9", RuntimeOID: runtimeOID}

	dir1, err := materialize.Materialize(ctx, store, pctx.EnvsRoot, req)
	require.NoError(t, err)
	dir2, err := materialize.Materialize(ctx, store, pctx.EnvsRoot, req)
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)
}

func TestValidateFlagsProfileMismatch(t *testing.T) {
	t.Parallel()
	store, pctx := newTestStore(t)
	ctx := context.Background()

	runtimeOID, err := store.Write(ctx, &cas.RuntimeObject{Version: "3.11.9", Archive: tarArchive(t, map[string]string{"bin/python3": "x"})})
	require.NoError(t, err)

	req := materialize.Request{ProjectRootFingerprint: "proj-1", LockID: "lock-1", RuntimeVersion: "3.11.9", ProfileOID: "profile-a", RuntimeOID: runtimeOID}
	envDir, err := materialize.Materialize(ctx, store, pctx.EnvsRoot, req)
	require.NoError(t, err)

	issues := materialize.Validate(store, envDir, "profile-b", runtimeOID)
	assert.Contains(t, issues, "env manifest profile_oid does not match declared profile")
}
