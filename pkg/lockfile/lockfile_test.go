// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package lockfile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/lockfile"
	"github.com/pxdev/px/pkg/manifest"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/resolve"
)

func sampleSnapshot() *manifest.Snapshot {
	return &manifest.Snapshot{
		ProjectName:         "demo",
		PythonRequirement:   ">=3.11",
		Dependencies:        []string{"requests==2.32.3", "click>=8.0"},
		ManifestFingerprint: "fp-1",
	}
}

func samplePins() []resolve.Pin {
	return []resolve.Pin{
		{Name: "requests", Version: "2.32.3", Direct: true, Requires: []string{"urllib3", "certifi"},
			Source: &resolve.Source{WheelFilename: "requests-2.32.3-py3-none-any.whl", WheelURL: "https://x/requests.whl", WheelSHA256: "a", PythonTag: "py3", ABITag: "none", PlatformTag: "any"}},
		{Name: "click", Version: "8.1.7", Direct: true,
			Source: &resolve.Source{WheelFilename: "click-8.1.7-py3-none-any.whl", WheelURL: "https://x/click.whl", WheelSHA256: "b", PythonTag: "py3", ABITag: "none", PlatformTag: "any"}},
		{Name: "urllib3", Version: "2.2.2",
			Source: &resolve.Source{WheelFilename: "urllib3-2.2.2-py3-none-any.whl", WheelURL: "https://x/urllib3.whl", WheelSHA256: "c", PythonTag: "py3", ABITag: "none", PlatformTag: "any"}},
		{Name: "certifi", Version: "2024.7.4",
			Source: &resolve.Source{WheelFilename: "certifi-2024.7.4-py3-none-any.whl", WheelURL: "https://x/certifi.whl", WheelSHA256: "d", PythonTag: "py3", ABITag: "none", PlatformTag: "any"}},
	}
}

func TestRenderIsDeterministicAcrossPinOrdering(t *testing.T) {
	t.Parallel()
	snap := sampleSnapshot()
	pins := samplePins()

	l1, err := lockfile.Render(snap, pins)
	require.NoError(t, err)

	shuffled := []resolve.Pin{pins[3], pins[1], pins[0], pins[2]}
	l2, err := lockfile.Render(snap, shuffled)
	require.NoError(t, err)

	assert.Equal(t, l1.LockID, l2.LockID)
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	rendered, err := lockfile.Render(sampleSnapshot(), samplePins())
	require.NoError(t, err)

	parsed, err := lockfile.Parse(rendered.Bytes())
	require.NoError(t, err)
	assert.Equal(t, rendered.LockID, parsed.LockID)
	assert.Equal(t, "demo", parsed.ProjectName)
	assert.Len(t, parsed.Resolved, 4)
}

func TestParseRejectsWrongMode(t *testing.T) {
	t.Parallel()
	bad := []byte("version = 1\n[metadata]\nmode = \"bogus\"\n")
	_, err := lockfile.Parse(bad)
	require.Error(t, err)
	_, ok := pxerr.AsUserError(err)
	assert.True(t, ok)
}

func TestAnalyzeDiffDetectsAddedAndRemoved(t *testing.T) {
	t.Parallel()
	snap := sampleSnapshot()
	rendered, err := lockfile.Render(snap, samplePins())
	require.NoError(t, err)
	parsed, err := lockfile.Parse(rendered.Bytes())
	require.NoError(t, err)

	snap.Dependencies = []string{"requests==2.32.3", "flask>=3.0"}
	diff := lockfile.AnalyzeDiff(snap, parsed, resolve.MarkerEnv{})
	assert.Contains(t, diff.Added, "flask")
	assert.Contains(t, diff.Removed, "click")
	assert.False(t, diff.IsClean())
}

func TestAnalyzeDiffCleanWhenMatching(t *testing.T) {
	t.Parallel()
	snap := sampleSnapshot()
	rendered, err := lockfile.Render(snap, samplePins())
	require.NoError(t, err)
	parsed, err := lockfile.Parse(rendered.Bytes())
	require.NoError(t, err)

	diff := lockfile.AnalyzeDiff(snap, parsed, resolve.MarkerEnv{})
	assert.True(t, diff.IsClean())
}

func TestClosureIssuesDetectsMissingTransitive(t *testing.T) {
	t.Parallel()
	snap := sampleSnapshot()
	pins := samplePins()
	pins[0].Requires = []string{"urllib3", "nonexistent-pkg"}
	rendered, err := lockfile.Render(snap, pins)
	require.NoError(t, err)
	parsed, err := lockfile.Parse(rendered.Bytes())
	require.NoError(t, err)

	issues := lockfile.ClosureIssues(parsed, resolve.MarkerEnv{})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "nonexistent-pkg")
}

func TestIsFreshFalseWhenFingerprintMismatches(t *testing.T) {
	t.Parallel()
	snap := sampleSnapshot()
	rendered, err := lockfile.Render(snap, samplePins())
	require.NoError(t, err)
	parsed, err := lockfile.Parse(rendered.Bytes())
	require.NoError(t, err)

	snap.ManifestFingerprint = "fp-2"
	assert.False(t, lockfile.IsFresh(snap, parsed, resolve.MarkerEnv{}, false, nil))
}
