// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package tool implements Tool Environments (spec §4.10 "tool", component C11): installing a
// single requirement as its own mini-project under `<tools_root>/<normalized-name>/`, with a
// synthesized pyproject, its own px.lock, its own materialized site, and console-script shim
// launchers parsed out of the resolved packages' entry_points.txt files.
package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dlog"

	"github.com/pxdev/px/pkg/resolve"
	"github.com/pxdev/px/pkg/state"
)

// NormalizedName is the PEP 503 canonical form tool directories and store env IDs key on.
func NormalizedName(name string) string { return resolve.CanonicalizeName(name) }

// ProjectDir is `<tools_root>/<normalized-name>/` (spec §4.10: "a separate mini-project under
// <tools_root>/<normalized-name>/").
func ProjectDir(toolsRoot, name string) string {
	return filepath.Join(toolsRoot, NormalizedName(name))
}

// StoreEnvID computes the `<tools_store>/envs/tool-<name>-<py>-<lockprefix>/` directory name
// (spec §4.10).
func StoreEnvID(name, pythonVersion, lockID string) string {
	prefix := lockID
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("tool-%s-%s-%s", NormalizedName(name), pythonVersion, prefix)
}

// Scaffold writes the synthesized pyproject.toml declaring exactly requirement (spec §4.10:
// "a synthesized pyproject declaring exactly the requested requirement").
func Scaffold(dir, name, requirement string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tool.Scaffold: %w", err)
	}
	spec := requirement
	if spec == "" {
		spec = name
	}
	body := fmt.Sprintf("[project]\nname = %q\nversion = \"0.0.0\"\ndependencies = [%q]\n", "px-tool-"+NormalizedName(name), spec)
	path := filepath.Join(dir, "pyproject.toml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("tool.Scaffold: %w", err)
	}
	return os.Rename(tmp, path)
}

// InstallPipeline is the resolve/lock/materialize wiring Install drives, injected by the
// caller (the `px tool install` command) for the same reason migrate.Pipeline is: those steps
// need the full runtime/backend/store wiring tool itself has no business constructing.
type InstallPipeline struct {
	// Resolve runs C4+C5 against the scaffolded project dir, returning the lock ID.
	Resolve func(ctx context.Context, projectDir string) (lockID string, err error)
	// Materialize runs C7 against the resolved lock, returning the resulting env dir.
	Materialize func(ctx context.Context, projectDir, lockID string) (envDir string, err error)
}

// Installed describes a successfully installed tool (spec §4.10's on-install sequence result).
type Installed struct {
	Name          string
	ProjectDir    string
	StoreEnvDir   string
	SiteDir       string
	BinDir        string
	ConsoleScripts map[string]string // script name -> "module:func"
}

// Install implements spec §4.10's on-install sequence: scaffold -> write dependency ->
// resolve via C4 -> lock via C5 -> materialize via C7 -> copy the produced site into
// <tools_store>/envs/tool-<name>-<py>-<lockprefix>/site/ -> rewrite state.json to point at
// that site -> parse each dist-info's entry_points.txt [console_scripts] and write shim
// launchers in <tool>/bin/.
func Install(ctx context.Context, toolsRoot, toolsStoreRoot, pythonVersion, pythonExe, name, requirement string, pipeline InstallPipeline) (*Installed, error) {
	dir := ProjectDir(toolsRoot, name)
	if err := Scaffold(dir, name, requirement); err != nil {
		return nil, err
	}

	lockID, err := pipeline.Resolve(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("tool.Install: resolving %s: %w", name, err)
	}

	materializedEnvDir, err := pipeline.Materialize(ctx, dir, lockID)
	if err != nil {
		return nil, fmt.Errorf("tool.Install: materializing %s: %w", name, err)
	}

	storeEnvDir := filepath.Join(toolsStoreRoot, "envs", StoreEnvID(name, pythonVersion, lockID))
	siteDir := filepath.Join(storeEnvDir, "site")
	if err := copyTree(sitePackagesOf(materializedEnvDir), siteDir); err != nil {
		return nil, fmt.Errorf("tool.Install: copying site for %s: %w", name, err)
	}

	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, fmt.Errorf("tool.Install: %w", err)
	}

	scripts, err := ConsoleScripts(siteDir)
	if err != nil {
		return nil, fmt.Errorf("tool.Install: reading entry points for %s: %w", name, err)
	}
	if err := WriteLaunchers(binDir, pythonExe, siteDir, scripts); err != nil {
		return nil, fmt.Errorf("tool.Install: writing launchers for %s: %w", name, err)
	}

	if err := state.Save(dir, &state.File{CurrentEnv: &state.CurrentEnv{
		ID:           StoreEnvID(name, pythonVersion, lockID),
		LockID:       lockID,
		SitePackages: siteDir,
		EnvPath:      storeEnvDir,
		Python:       state.PythonInfo{Path: pythonExe, Version: pythonVersion},
	}}); err != nil {
		return nil, fmt.Errorf("tool.Install: writing state for %s: %w", name, err)
	}

	dlog.Infof(ctx, "tool: installed %s at %s (site %s)", name, dir, siteDir)
	return &Installed{
		Name: NormalizedName(name), ProjectDir: dir, StoreEnvDir: storeEnvDir,
		SiteDir: siteDir, BinDir: binDir, ConsoleScripts: scripts,
	}, nil
}

func sitePackagesOf(envDir string) string {
	matches, _ := filepath.Glob(filepath.Join(envDir, "lib", "python*", "site-packages"))
	if len(matches) > 0 {
		return matches[0]
	}
	return envDir
}

// copyTree copies src into dst, creating dst (spec §4.10: "copy the produced site").
func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		bs, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, bs, info.Mode())
	})
}
