// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package state_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/lockfile"
	"github.com/pxdev/px/pkg/manifest"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/resolve"
	"github.com/pxdev/px/pkg/state"
)

func TestStateOrViolationNoLock(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	snap := &manifest.Snapshot{ProjectName: "demo"}

	report, err := state.StateOrViolation(context.Background(), nil, dir, snap, resolve.MarkerEnv{}, nil)
	require.NoError(t, err)
	assert.False(t, report.LockExists)
	assert.False(t, report.Canonical)
}

func TestGuardForExecutionStrictRefusesMissingLock(t *testing.T) {
	t.Parallel()
	report := &state.Report{}
	_, err := state.GuardForExecution(true, report, "run")
	require.Error(t, err)
	ue, ok := pxerr.AsUserError(err)
	require.True(t, ok)
	assert.Equal(t, pxerr.ReasonMissingLock, ue.Reason)
}

func TestGuardForExecutionAutoSyncWhenNotStrict(t *testing.T) {
	t.Parallel()
	report := &state.Report{}
	mode, err := state.GuardForExecution(false, report, "run")
	require.NoError(t, err)
	assert.Equal(t, state.ModeAutoSync, mode)
}

func TestGuardForExecutionStrictAllowsCanonical(t *testing.T) {
	t.Parallel()
	report := &state.Report{Canonical: true}
	mode, err := state.GuardForExecution(true, report, "run")
	require.NoError(t, err)
	assert.Equal(t, state.ModeStrict, mode)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := &state.File{CurrentEnv: &state.CurrentEnv{ID: "env-1", LockID: "lock-1", Platform: "linux", SitePackages: "site", Python: state.PythonInfo{Path: "/usr/bin/python3", Version: "3.11.9"}}}
	require.NoError(t, state.Save(dir, f))

	loaded, err := state.Load(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded.CurrentEnv)
	assert.Equal(t, "env-1", loaded.CurrentEnv.ID)
}

func TestStateOrViolationLockDriftOnFingerprintMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	snap := &manifest.Snapshot{ProjectName: "demo", ManifestFingerprint: "fp-new"}

	rendered, err := lockfile.Render(&manifest.Snapshot{ProjectName: "demo", ManifestFingerprint: "fp-old"}, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "px.lock"), rendered.Bytes(), 0o644))

	report, err := state.StateOrViolation(context.Background(), nil, dir, snap, resolve.MarkerEnv{}, nil)
	require.NoError(t, err)
	assert.True(t, report.LockExists)
	assert.False(t, report.ManifestClean)
}
