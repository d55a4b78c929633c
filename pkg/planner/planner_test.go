// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/planner"
	"github.com/pxdev/px/pkg/pxerr"
)

func TestClassifyReference(t *testing.T) {
	t.Parallel()
	kind := planner.Classify("gh:org/repo@abcdef1234:script.py", "/proj", nil, nil, nil)
	assert.Equal(t, planner.TargetReference, kind)
}

func TestClassifyInlineScript(t *testing.T) {
	t.Parallel()
	exists := func(p string) bool { return p == "foo.py" }
	lines := func(p string) string { return "# /// px\n# requires-python = \">=3.10\"\n# ///\n" }
	kind := planner.Classify("foo.py", "/proj", nil, exists, lines)
	assert.Equal(t, planner.TargetInlineScript, kind)
}

func TestClassifyProjectRoot(t *testing.T) {
	t.Parallel()
	kind := planner.Classify("", "/proj", nil, nil, nil)
	assert.Equal(t, planner.TargetProject, kind)
}

func TestClassifyWorkspaceMember(t *testing.T) {
	t.Parallel()
	kind := planner.Classify("pkg-a", "/proj", []string{"pkg-a", "pkg-b"}, nil, nil)
	assert.Equal(t, planner.TargetWorkspaceMember, kind)
}

func TestSelectModeDefaultsCasNative(t *testing.T) {
	t.Parallel()
	decision, err := planner.SelectMode(false, false, planner.VerificationOutcome{})
	require.NoError(t, err)
	assert.Equal(t, planner.ModeCasNative, decision.Mode)
}

func TestSelectModeDowngradesOnMissingArtifacts(t *testing.T) {
	t.Parallel()
	decision, err := planner.SelectMode(false, false, planner.VerificationOutcome{MissingArtifacts: true})
	require.NoError(t, err)
	assert.Equal(t, planner.ModeMaterializedEnv, decision.Mode)
	assert.Equal(t, planner.FallbackMissingArtifacts, decision.Fallback)
}

func TestSelectModeIntegrityFailureIsError(t *testing.T) {
	t.Parallel()
	_, err := planner.SelectMode(false, false, planner.VerificationOutcome{IntegrityFailure: true, IntegrityMessage: "digest mismatch"})
	require.Error(t, err)
	ue, ok := pxerr.AsUserError(err)
	require.True(t, ok)
	assert.Equal(t, pxerr.ReasonMissingOrCorrupt, ue.Reason)
}

func TestIsPipMutationDetectsModuleInvocation(t *testing.T) {
	t.Parallel()
	assert.True(t, planner.IsPipMutation("python", []string{"-m", "pip", "install", "requests"}))
	assert.False(t, planner.IsPipMutation("python", []string{"-m", "pip", "list"}))
}

func TestBuildArgvPassthroughForPythonAlias(t *testing.T) {
	t.Parallel()
	argv := planner.BuildArgv("python3", []string{"-c", "print(1)"}, "/proj", nil)
	assert.Equal(t, []string{"-c", "print(1)"}, argv)
}
