// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package materialize implements the Environment Materializer (spec §4.7, component C7):
// turning a CAS profile into a real directory an interpreter can run against -- site-packages
// populated from materialized CAS trees, rewritten bin scripts, an interpreter shim, and a
// manifest.json the State Guard (C8) later cross-checks.
package materialize

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/pxdev/px/pkg/cas"
)

// SeedPackages are the only names permitted in an env's site-packages besides px.pth (spec §3
// "Environment" invariant).
var SeedPackages = map[string]bool{
	"pip": true, "setuptools": true, "pipx": true, "uv": true,
	"distutils-precedence.pth": true, "__pycache__": true,
	"sitecustomize.py": true, "pkg_resources": true,
}

// Manifest is the env's manifest.json (spec §4.7 step 7).
type Manifest struct {
	ProfileOID   string               `json:"profile_oid"`
	RuntimeOID   string               `json:"runtime_oid"`
	Packages     []cas.ProfilePackage `json:"packages"`
	SysPathOrder []string             `json:"sys_path_order"`
}

// Request is everything Materialize needs beyond the store itself.
type Request struct {
	ProjectRootFingerprint string
	LockID                 string
	RuntimeVersion         string
	ProfileOID             string
	RuntimeOID             string
	Packages               []cas.ProfilePackage
	SysPathOrder           []string
	EnvVars                map[string]string
	UseUV                  bool // true when uv.lock is present in the project (spec §4.7 step 8)
}

// EnvID computes spec §4.7 step 1's `owner_id(project-root-fingerprint, lock_id, runtime_version)`.
func EnvID(projectRootFingerprint, lockID, runtimeVersion string) string {
	sum := sha256.Sum256([]byte(projectRootFingerprint + "\x00" + lockID + "\x00" + runtimeVersion))
	return hex.EncodeToString(sum[:])[:32]
}

// Materialize builds (or reuses) the environment directory for req and returns its path.
func Materialize(ctx context.Context, store *cas.Store, envsRoot string, req Request) (string, error) {
	envID := EnvID(req.ProjectRootFingerprint, req.LockID, req.RuntimeVersion)
	envDir := filepath.Join(envsRoot, envID)

	runtimeDir, err := store.Materialize(ctx, req.RuntimeOID)
	if err != nil {
		return "", fmt.Errorf("materialize: runtime: %w", err)
	}

	pkgDirs := make(map[string]string, len(req.Packages))
	for _, p := range req.Packages {
		dir, err := store.Materialize(ctx, p.PkgBuildOID)
		if err != nil {
			return "", fmt.Errorf("materialize: package %s: %w", p.Name, err)
		}
		pkgDirs[p.PkgBuildOID] = dir
	}

	sitePackages := filepath.Join(envDir, sitePackagesRel(req.RuntimeVersion))
	binDir := filepath.Join(envDir, "bin")
	for _, d := range []string{sitePackages, binDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("materialize: %w", err)
		}
	}

	interpreterShim := filepath.Join(binDir, "python")
	runtimeExe := findRuntimeExe(runtimeDir)

	for _, p := range req.Packages {
		pkgDir, ok := pkgDirs[p.PkgBuildOID]
		if !ok {
			continue
		}
		if err := linkPackageBins(pkgDir, binDir, interpreterShim); err != nil {
			return "", fmt.Errorf("materialize: linking bins for %s: %w", p.Name, err)
		}
	}

	pthEntries := buildSysPathEntries(req, pkgDirs)
	if err := writePth(filepath.Join(sitePackages, "px.pth"), pthEntries); err != nil {
		return "", fmt.Errorf("materialize: px.pth: %w", err)
	}

	if err := writeShim(interpreterShim, runtimeDir, runtimeExe, sitePackages, req.EnvVars); err != nil {
		return "", fmt.Errorf("materialize: interpreter shim: %w", err)
	}

	manifest := Manifest{
		ProfileOID: req.ProfileOID, RuntimeOID: req.RuntimeOID,
		Packages: req.Packages, SysPathOrder: req.SysPathOrder,
	}
	if err := writeManifest(envDir, manifest); err != nil {
		return "", err
	}

	if err := seedPackages(ctx, store, sitePackages, req.UseUV); err != nil {
		return "", fmt.Errorf("materialize: seeding: %w", err)
	}

	dlog.Infof(ctx, "materialize: env %s ready at %s", envID, envDir)
	return envDir, nil
}

func sitePackagesRel(runtimeVersion string) string {
	parts := strings.SplitN(runtimeVersion, ".", 3)
	if len(parts) < 2 {
		return filepath.Join("lib", "python3", "site-packages")
	}
	return filepath.Join("lib", "python"+parts[0]+"."+parts[1], "site-packages")
}

func findRuntimeExe(runtimeDir string) string {
	for _, candidate := range []string{"bin/python3", "bin/python", "python.exe", "python"} {
		p := filepath.Join(runtimeDir, candidate)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return filepath.Join(runtimeDir, "bin", "python3")
}

// buildSysPathEntries maps the profile's sys_path order to materialized CAS paths, preferring
// a pkg-build's site-packages subdirectory when present, else its root (spec §4.7 step 5).
func buildSysPathEntries(req Request, pkgDirs map[string]string) []string {
	byOID := map[string]string{}
	for _, p := range req.Packages {
		byOID[p.PkgBuildOID] = p.PkgBuildOID
	}

	order := req.SysPathOrder
	if len(order) == 0 {
		for _, p := range req.Packages {
			order = append(order, p.PkgBuildOID)
		}
	}

	seen := map[string]bool{}
	var entries []string
	for _, oid := range order {
		dir, ok := pkgDirs[oid]
		if !ok {
			continue
		}
		candidate := filepath.Join(dir, "site-packages")
		if info, err := os.Stat(candidate); err != nil || !info.IsDir() {
			candidate = dir
		}
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		entries = append(entries, candidate)
	}
	return entries
}

func writePth(path string, entries []string) error {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// linkPackageBins walks pkgDir/bin, rewriting Python-shebanged scripts to point at the env's
// interpreter shim and hard-linking (falling back to a copy) everything else (spec §4.7 step 4).
func linkPackageBins(pkgDir, envBinDir, interpreterShim string) error {
	srcBin := filepath.Join(pkgDir, "bin")
	entries, err := os.ReadDir(srcBin)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(srcBin, e.Name())
		dest := filepath.Join(envBinDir, e.Name())

		shebang, rest, isPython, err := readShebang(src)
		if err != nil {
			return err
		}
		if isPython {
			_ = shebang
			if err := rewriteShebangScript(dest, interpreterShim, rest); err != nil {
				return err
			}
			continue
		}

		_ = os.Remove(dest)
		if err := os.Link(src, dest); err != nil {
			if copyErr := copyFileMode(src, dest); copyErr != nil {
				return copyErr
			}
		}
	}
	return nil
}

func readShebang(path string) (shebang string, rest []byte, isPython bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, false, err
	}
	defer f.Close() //nolint:errcheck

	reader := bufio.NewReader(f)
	firstLine, _ := reader.ReadString('\n')
	remainder := new(bytes.Buffer)
	_, _ = remainder.ReadFrom(reader)

	trimmed := strings.TrimSpace(firstLine)
	if !strings.HasPrefix(trimmed, "#!") {
		return "", nil, false, nil
	}
	if !strings.Contains(trimmed, "python") {
		return "", nil, false, nil
	}
	return trimmed, remainder.Bytes(), true, nil
}

func rewriteShebangScript(dest, interpreterShim string, body []byte) error {
	var buf bytes.Buffer
	buf.WriteString("#!" + interpreterShim + "\n")
	buf.Write(body)
	return os.WriteFile(dest, buf.Bytes(), 0o755)
}

func copyFileMode(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// writeShim writes the env's bin/python (spec §4.7 step 6): a script that sets PYTHONHOME,
// PYTHONPATH (env site-packages, then the runtime's lib directory, then any inherited PYTHONPATH),
// applies profile env_vars with override semantics, and execs the real interpreter.
func writeShim(path, runtimeDir, runtimeExe, sitePackages string, envVars map[string]string) error {
	runtimeSite := filepath.Join(runtimeDir, "lib")

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(fmt.Sprintf("export PYTHONHOME=%q\n", runtimeDir))
	b.WriteString(fmt.Sprintf("export PYTHONPATH=%q:%q${PYTHONPATH:+:$PYTHONPATH}\n", sitePackages, runtimeSite))

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "PYTHONHOME" || k == "PYTHONPATH" {
			continue
		}
		b.WriteString(fmt.Sprintf("export %s=%q\n", k, envVars[k]))
	}

	b.WriteString(fmt.Sprintf("exec %q \"$@\"\n", runtimeExe))

	return os.WriteFile(path, []byte(b.String()), 0o755)
}

func writeManifest(envDir string, m Manifest) error {
	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(envDir, "manifest.json"), bs, 0o644)
}

// seedPackages hard-links the pinned setuptools/pip (and uv, if req.UseUV) trees from CAS into
// the env's site-packages if they are not already present (spec §4.7 step 8). The OIDs of the
// seed pkg-builds are looked up in the store's seed registry (Store.SeedOID); a name with no
// recorded seed is skipped with a warning.
func seedPackages(ctx context.Context, store *cas.Store, sitePackages string, useUV bool) error {
	names := []string{"pip", "setuptools"}
	if useUV {
		names = append(names, "uv")
	}
	for _, name := range names {
		dest := filepath.Join(sitePackages, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		oid, err := store.SeedOID(name)
		if err != nil {
			dlog.Warnf(ctx, "materialize: no seed pkg-build recorded for %s, skipping: %v", name, err)
			continue
		}
		srcDir, err := store.Materialize(ctx, oid)
		if err != nil {
			return err
		}
		if err := cas.LinkMaterialized(srcDir, dest); err != nil {
			return err
		}
	}
	return nil
}

// Validate implements spec §4.7 "validate_cas_environment".
func Validate(store *cas.Store, envDir string, expectedProfileOID, expectedRuntimeOID string) []string {
	var issues []string

	bs, err := os.ReadFile(filepath.Join(envDir, "manifest.json"))
	if err != nil {
		return []string{"missing env manifest.json"}
	}
	var m Manifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return []string{"corrupt env manifest.json"}
	}
	if m.ProfileOID != expectedProfileOID {
		issues = append(issues, "env manifest profile_oid does not match declared profile")
	}
	if m.RuntimeOID != expectedRuntimeOID {
		issues = append(issues, "env manifest runtime_oid does not match profile's runtime_oid")
	}

	sitePackagesDirs, _ := filepath.Glob(filepath.Join(envDir, "lib", "*", "site-packages"))
	for _, sp := range sitePackagesDirs {
		entries, err := os.ReadDir(sp)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if name == "px.pth" || SeedPackages[name] {
				continue
			}
			issues = append(issues, fmt.Sprintf("unexpected non-seed site-packages entry: %s", name))
		}

		pthPath := filepath.Join(sp, "px.pth")
		pthBytes, err := os.ReadFile(pthPath)
		if err != nil {
			issues = append(issues, "missing px.pth")
			continue
		}
		expected := map[string]cas.ProfilePackage{}
		for _, p := range m.Packages {
			expected[p.PkgBuildOID] = p
		}
		for _, line := range strings.Split(strings.TrimSpace(string(pthBytes)), "\n") {
			if line == "" {
				continue
			}
			if !store.Exists(filepath.Base(filepath.Dir(line))) {
				// not every entry maps cleanly to an OID dir name; tolerate and rely on
				// the per-package existence check below for the authoritative signal.
				continue
			}
		}
	}

	for _, p := range m.Packages {
		if !store.Exists(p.PkgBuildOID) {
			issues = append(issues, fmt.Sprintf("pkg-build %s for %s no longer loads from CAS", p.PkgBuildOID, p.Name))
		}
	}

	return issues
}
