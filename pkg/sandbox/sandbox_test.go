// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/sandbox"
)

func TestInferCapabilitiesFromDirectPackages(t *testing.T) {
	t.Parallel()
	caps, err := sandbox.InferCapabilities([]string{"psycopg2", "Flask"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres"}, caps)
}

func TestInferCapabilitiesOverrideFalseWins(t *testing.T) {
	t.Parallel()
	caps, err := sandbox.InferCapabilities([]string{"psycopg2"}, nil, map[string]bool{"postgres": false})
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestInferCapabilitiesRejectsUnknownOverride(t *testing.T) {
	t.Parallel()
	_, err := sandbox.InferCapabilities(nil, nil, map[string]bool{"bogus": true})
	require.Error(t, err)
}

func TestIDIsStableAcrossCapabilityOrdering(t *testing.T) {
	t.Parallel()
	id1, err := sandbox.ID(sandbox.Definition{BaseOSOID: "base-1", Capabilities: []string{"postgres", "xml"}, ProfileOID: "p-1"})
	require.NoError(t, err)
	id2, err := sandbox.ID(sandbox.Definition{BaseOSOID: "base-1", Capabilities: []string{"xml", "postgres"}, ProfileOID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestBuildAssemblesEnvLayer(t *testing.T) {
	t.Parallel()
	envDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(envDir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(envDir, "bin", "python"), []byte("#!/bin/sh\n"), 0o755))

	store := t.TempDir()
	assembly, err := sandbox.Build(sandbox.Definition{ProfileOID: "p-1"}, "", "", envDir, store)
	require.NoError(t, err)
	assert.NotEmpty(t, assembly.SBXID)
	assert.FileExists(t, filepath.Join(assembly.OCIDir, "image.tar"))
	assert.NotEmpty(t, assembly.LayerDigests)
}

func TestRunContractRewritesPaths(t *testing.T) {
	t.Parallel()
	rc := sandbox.RunContract{ProjectRoot: "/home/user/proj", EnvDir: "/home/user/.px/envs/abc", SBXID: "sbx-1"}
	env := rc.ContainerEnv("/home/user/.px/envs/abc/lib/site-packages", "", false, nil)
	assert.Equal(t, "1", env["PX_SANDBOX"])
	assert.Contains(t, env["PYTHONPATH"], "/px/env")
}
