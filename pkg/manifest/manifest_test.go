// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/manifest"
)

const samplePyproject = `
[project]
name = "demo"
requires-python = ">=3.11"
dependencies = ["requests==2.32.3", "click>=8.0"]

[dependency-groups]
dev = ["pytest>=7.0"]

[tool.px]
pin_manifest = true
`

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(contents), 0o644))
	return dir
}

func TestLoadComputesRequirementsUnion(t *testing.T) {
	t.Parallel()
	dir := writeManifest(t, samplePyproject)

	snap, err := manifest.Load(dir, []string{"dev"})
	require.NoError(t, err)

	assert.Equal(t, "demo", snap.ProjectName)
	assert.ElementsMatch(t, []string{"requests==2.32.3", "click>=8.0"}, snap.Dependencies)
	assert.Contains(t, snap.Requirements, "pytest>=7.0")
	assert.True(t, snap.PxOptions.PinManifest)
}

func TestFingerprintStableAcrossEquivalentGroupOrdering(t *testing.T) {
	t.Parallel()
	dir1 := writeManifest(t, "[project]\nname = \"demo\"\n\n[dependency-groups]\ndev = [\"pytest>=7.0\"]\nlint = [\"ruff>=0.4\"]\n")
	dir2 := writeManifest(t, "[project]\nname = \"demo\"\n\n[dependency-groups]\nlint = [\"ruff>=0.4\"]\ndev = [\"pytest>=7.0\"]\n")

	snap1, err := manifest.Load(dir1, []string{"dev", "lint"})
	require.NoError(t, err)
	snap2, err := manifest.Load(dir2, []string{"lint", "dev"})
	require.NoError(t, err)

	assert.Equal(t, snap1.ManifestFingerprint, snap2.ManifestFingerprint)
}

func TestFingerprintChangesWithActiveGroups(t *testing.T) {
	t.Parallel()
	dir := writeManifest(t, samplePyproject)

	withDev, err := manifest.Load(dir, []string{"dev"})
	require.NoError(t, err)
	withoutDev, err := manifest.Load(dir, nil)
	require.NoError(t, err)

	assert.NotEqual(t, withDev.ManifestFingerprint, withoutDev.ManifestFingerprint)
}
