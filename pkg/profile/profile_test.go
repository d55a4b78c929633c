// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package profile_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/cas"
	"github.com/pxdev/px/pkg/profile"
	"github.com/pxdev/px/pkg/pxctx"
)

func newTestStore(t *testing.T) *cas.Store {
	t.Helper()
	root := t.TempDir()
	pctx := &pxctx.Context{StoreRoot: root, EnvsRoot: filepath.Join(root, "envs"), CacheRoot: filepath.Join(root, "cache")}
	store, err := cas.Open(context.Background(), pctx)
	require.NoError(t, err)
	return store
}

func TestBuildIsOrderIndependent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	a := profile.Input{
		RuntimeOID: "rt-1",
		Packages: []cas.ProfilePackage{
			{Name: "requests", Version: "2.32.3", PkgBuildOID: "pb-requests"},
			{Name: "click", Version: "8.1.7", PkgBuildOID: "pb-click"},
		},
		EnvVars: map[string]string{"PYTHONNOUSERSITE": "1"},
	}
	b := profile.Input{
		RuntimeOID: "rt-1",
		Packages: []cas.ProfilePackage{
			{Name: "click", Version: "8.1.7", PkgBuildOID: "pb-click"},
			{Name: "requests", Version: "2.32.3", PkgBuildOID: "pb-requests"},
		},
		EnvVars: map[string]string{"PYTHONNOUSERSITE": "1"},
	}

	oidA, err := profile.Build(ctx, store, a)
	require.NoError(t, err)
	oidB, err := profile.Build(ctx, store, b)
	require.NoError(t, err)
	assert.Equal(t, oidA, oidB)
}

func TestOIDMatchesBuild(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	in := profile.Input{
		RuntimeOID: "rt-1",
		Packages:   []cas.ProfilePackage{{Name: "click", Version: "8.1.7", PkgBuildOID: "pb-click"}},
	}
	written, err := profile.Build(ctx, store, in)
	require.NoError(t, err)
	computed, err := profile.OID(in)
	require.NoError(t, err)
	assert.Equal(t, written, computed)
}

func TestDifferentPackagesProduceDifferentOID(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	a := profile.Input{RuntimeOID: "rt-1", Packages: []cas.ProfilePackage{{Name: "click", Version: "8.1.7", PkgBuildOID: "pb-click"}}}
	b := profile.Input{RuntimeOID: "rt-1", Packages: []cas.ProfilePackage{{Name: "click", Version: "8.1.6", PkgBuildOID: "pb-click-old"}}}

	oidA, err := profile.Build(ctx, store, a)
	require.NoError(t, err)
	oidB, err := profile.Build(ctx, store, b)
	require.NoError(t, err)
	assert.NotEqual(t, oidA, oidB)
}
