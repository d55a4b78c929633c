// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas_test

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
	"github.com/pxdev/px/pkg/pxctx"
)

func newTestStore(t *testing.T) (*cas.Store, *pxctx.Context) {
	t.Helper()
	root := t.TempDir()
	pctx := &pxctx.Context{
		StoreRoot: root,
		EnvsRoot:  filepath.Join(root, "envs"),
		CacheRoot: filepath.Join(root, "cache"),
	}
	store, err := cas.Open(context.Background(), pctx)
	require.NoError(t, err)
	return store, pctx
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	obj := &cas.SourceObject{
		Name: "requests", Version: "2.32.3", Filename: "requests-2.32.3.tar.gz",
		IndexURL: "https://pypi.org/simple/requests/", SHA256: "dead",
		Archive: []byte("fake archive bytes"),
	}

	oid, err := store.Write(ctx, obj)
	require.NoError(t, err)
	assert.Len(t, oid, 64)

	loaded, err := store.Load(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, "source", loaded.Kind)
	assert.Equal(t, "requests", loaded.Header["name"])
}

func TestWriteIsIdempotentAndCollapsesConcurrentWriters(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	obj := &cas.MetaObject{Tag: "t", Data: []byte("same bytes")}
	oid1, err := store.Write(ctx, obj)
	require.NoError(t, err)
	oid2, err := store.Write(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, oid1, oid2)
}

func TestObjectsAreReadOnlyAfterWrite(t *testing.T) {
	t.Parallel()
	store, pctx := newTestStore(t)
	ctx := context.Background()

	obj := &cas.MetaObject{Tag: "ro", Data: []byte("x")}
	oid, err := store.Write(ctx, obj)
	require.NoError(t, err)

	path := filepath.Join(pctx.ObjectsDir(), oid[:2], oid)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0o222, "object file must not be writable")
}

func tarArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(contents)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestMaterializeIsIdempotent(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	archive := tarArchive(t, map[string]string{"bin/hello": "#!/bin/sh\necho hi\n"})
	obj := &cas.RuntimeObject{Version: "3.11.9", ABI: "cp311", Platform: "manylinux2014_x86_64", Archive: archive}
	oid, err := store.Write(ctx, obj)
	require.NoError(t, err)

	dir1, err := store.Materialize(ctx, oid)
	require.NoError(t, err)
	dir2, err := store.Materialize(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)

	contents, err := os.ReadFile(filepath.Join(dir1, "bin", "hello"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "echo hi")
}

func TestGCReclaimsUnreferencedObjects(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	keep := &cas.MetaObject{Tag: "keep", Data: []byte("keep")}
	drop := &cas.MetaObject{Tag: "drop", Data: []byte("drop")}

	keepOID, err := store.Write(ctx, keep)
	require.NoError(t, err)
	_, err = store.Write(ctx, drop)
	require.NoError(t, err)

	require.NoError(t, store.SetOwnerRefs(cas.Owner{ID: "owner-1", Type: cas.OwnerProjectEnv, Refs: []string{keepOID}}))

	report, err := store.GC(ctx, cas.GCPolicy{Aggressive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)

	assert.True(t, store.Exists(keepOID))
}

func TestDoctorRemovesCorruptObjects(t *testing.T) {
	t.Parallel()
	store, pctx := newTestStore(t)
	ctx := context.Background()

	obj := &cas.MetaObject{Tag: "corrupt-me", Data: []byte("original")}
	oid, err := store.Write(ctx, obj)
	require.NoError(t, err)

	path := filepath.Join(pctx.ObjectsDir(), oid[:2], oid)
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("not even gzip"), 0o644))

	report, err := store.Doctor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CorruptObjects)
	assert.False(t, store.Exists(oid))
}
