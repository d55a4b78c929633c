// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package migrate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/migrate"
	"github.com/pxdev/px/pkg/pxerr"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestCollectFromRequirementsTxtSkipsCommentsAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requirements.txt")
	writeFile(t, path, "# top comment\nclick==7.1.0\n-e .\nrich>=13\n\n")

	pkgs, err := migrate.CollectFromRequirementsTxt(path, migrate.ScopeProd)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "click", pkgs[0].Name)
	assert.Equal(t, "==7.1.0", pkgs[0].Specifier)
	assert.Equal(t, "rich", pkgs[1].Name)
	assert.Equal(t, ">=13", pkgs[1].Specifier)
}

func TestCollectFromSetupCfg(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setup.cfg")
	writeFile(t, path, "[options]\ninstall_requires =\n    click==7.1.0\n    rich>=13\n\n[options.extras_require]\ndev =\n    pytest>=7.0\n")

	pkgs, err := migrate.CollectFromSetupCfg(path)
	require.NoError(t, err)
	require.Len(t, pkgs, 3)
	names := map[string]migrate.Scope{}
	for _, p := range pkgs {
		names[p.Name] = p.Scope
	}
	assert.Equal(t, migrate.ScopeProd, names["click"])
	assert.Equal(t, migrate.ScopeProd, names["rich"])
	assert.Equal(t, migrate.ScopeDev, names["pytest"])
}

func TestCollectFromPyprojectDetectsForeignTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pyproject.toml")
	writeFile(t, path, "[project]\nname = \"demo\"\ndependencies = [\"click==8.1.7\"]\n\n[tool.poetry]\nname = \"demo\"\n")

	pkgs, foreign, err := migrate.CollectFromPyproject(path)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "click", pkgs[0].Name)
	require.Len(t, foreign, 1)
	assert.Equal(t, "tool.poetry", foreign[0].Table)
}

func TestBuildPlanDetectsConflict(t *testing.T) {
	pyproject := []migrate.Package{{Name: "click", Specifier: "==8.1.7", Scope: migrate.ScopeProd, SourcePath: "pyproject.toml"}}
	requirements := []migrate.Package{{Name: "click", Specifier: "==7.1.0", Scope: migrate.ScopeProd, SourcePath: "requirements.txt"}}

	plan, err := migrate.BuildPlan(nil, pyproject, requirements, nil, false)
	require.NoError(t, err)
	require.Len(t, plan.Conflicts, 1)

	applyErr := migrate.CheckConflicts(plan)
	require.Error(t, applyErr)
	ue, ok := pxerr.AsUserError(applyErr)
	require.True(t, ok)
	assert.Equal(t, pxerr.ReasonMigrationConflict, ue.Reason)
}

func TestBuildPlanExplicitSourceWinsWithoutConflict(t *testing.T) {
	explicit := []migrate.Package{{Name: "click", Specifier: "==8.1.7", Scope: migrate.ScopeProd, SourcePath: "--source"}}
	requirements := []migrate.Package{{Name: "click", Specifier: "==7.1.0", Scope: migrate.ScopeProd, SourcePath: "requirements.txt"}}

	plan, err := migrate.BuildPlan(explicit, nil, requirements, nil, false)
	require.NoError(t, err)
	assert.Empty(t, plan.Conflicts)
	require.Len(t, plan.Packages, 1)
	assert.Equal(t, "==8.1.7", plan.Packages[0].Specifier)
}

func TestBuildPlanRefusesForeignOwnedDependenciesWithoutOptIn(t *testing.T) {
	_, err := migrate.BuildPlan(nil, nil, nil, []migrate.ForeignTool{{Table: "tool.poetry"}}, false)
	require.Error(t, err)
	ue, ok := pxerr.AsUserError(err)
	require.True(t, ok)
	assert.Equal(t, pxerr.ReasonForeignOwnership, ue.Reason)
}

func TestApplyRollsBackOnResolveFailure(t *testing.T) {
	dir := t.TempDir()
	pyprojectPath := filepath.Join(dir, "pyproject.toml")
	writeFile(t, pyprojectPath, "[project]\nname = \"demo\"\ndependencies = [\"click==7.0.0\"]\n")

	plan := &migrate.Plan{Packages: []migrate.Package{{Name: "click", Specifier: "==8.1.7", Scope: migrate.ScopeProd, SourcePath: "requirements.txt"}}}

	pipeline := migrate.Pipeline{
		Resolve: func(ctx context.Context, projectDir string, autopin bool) (map[string]string, error) {
			return nil, assert.AnError
		},
	}

	err := migrate.Apply(context.Background(), dir, plan, migrate.ApplyOptions{Online: true, AllowDirty: true}, pipeline)
	require.Error(t, err)

	bs, readErr := os.ReadFile(pyprojectPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(bs), "click==7.0.0")
	assert.NotContains(t, string(bs), "8.1.7")
}

func TestApplyWritesMergedPyprojectOnSuccess(t *testing.T) {
	dir := t.TempDir()
	pyprojectPath := filepath.Join(dir, "pyproject.toml")
	writeFile(t, pyprojectPath, "[project]\nname = \"demo\"\ndependencies = []\n")

	plan := &migrate.Plan{Packages: []migrate.Package{
		{Name: "click", Specifier: "==8.1.7", Scope: migrate.ScopeProd, SourcePath: "requirements.txt"},
		{Name: "pytest", Specifier: ">=7.0", Scope: migrate.ScopeDev, SourcePath: "requirements-dev.txt"},
	}}

	resolved := false
	pipeline := migrate.Pipeline{
		Resolve: func(ctx context.Context, projectDir string, autopin bool) (map[string]string, error) {
			resolved = true
			return map[string]string{"pytest": "7.4.0"}, nil
		},
	}

	err := migrate.Apply(context.Background(), dir, plan, migrate.ApplyOptions{Online: true, AllowDirty: true}, pipeline)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.True(t, plan.Actions.PyprojectUpdated)
	assert.True(t, plan.Actions.LockWritten)

	bs, readErr := os.ReadFile(pyprojectPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(bs), "click==8.1.7")
	assert.Contains(t, string(bs), "px-dev")
}
