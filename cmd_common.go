// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/datawire/dlib/dexec"

	"github.com/pxdev/px/pkg/cas"
	"github.com/pxdev/px/pkg/fetch"
	"github.com/pxdev/px/pkg/lockfile"
	"github.com/pxdev/px/pkg/manifest"
	"github.com/pxdev/px/pkg/materialize"
	"github.com/pxdev/px/pkg/pkgbuild"
	"github.com/pxdev/px/pkg/profile"
	"github.com/pxdev/px/pkg/pxctx"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/python"
	"github.com/pxdev/px/pkg/python/pep425"
	"github.com/pxdev/px/pkg/python/pyinspect"
	"github.com/pxdev/px/pkg/pyruntime"
	"github.com/pxdev/px/pkg/resolve"
	"github.com/pxdev/px/pkg/resolve/pipbackend"
	"github.com/pxdev/px/pkg/state"
)

// runtimeExe resolves the interpreter px drives: PX_RUNTIME_PYTHON if set, else "python3" on
// $PATH (spec §6 "PX_RUNTIME_PYTHON overrides interpreter discovery").
func runtimeExe(pctx *pxctx.Context) string {
	if pctx.RuntimePython != "" {
		return pctx.RuntimePython
	}
	if exe, err := dexec.LookPath("python3"); err == nil {
		return exe
	}
	return "python3"
}

// markerEnvAndTags introspects the runtime interpreter for a resolve.MarkerEnv and its
// supported tags (spec §4.4's `interpreter_tags` input), via `pkg/python/pyinspect`.
func markerEnvAndTags(ctx context.Context, exe string) (resolve.MarkerEnv, pep425.Installer, error) {
	info, err := pyinspect.Dynamic(ctx, exe)
	if err != nil {
		return resolve.MarkerEnv{}, nil, fmt.Errorf("inspecting interpreter %s: %w", exe, err)
	}
	pyVersion := fmt.Sprintf("%d.%d", info.VersionInfo.Major, info.VersionInfo.Minor)
	env := resolve.MarkerEnv{
		PythonVersion:      pyVersion,
		PythonFullVersion:  fmt.Sprintf("%d.%d.%d", info.VersionInfo.Major, info.VersionInfo.Minor, info.VersionInfo.Micro),
		OSName:             goosToOSName(runtime.GOOS),
		SysPlatform:        runtime.GOOS,
		PlatformSystem:     runtime.GOOS,
		ImplementationName: "cpython",
	}
	return env, info.Tags, nil
}

func goosToOSName(goos string) string {
	if goos == "windows" {
		return "nt"
	}
	return "posix"
}

// loadSnapshot loads pyproject.toml from dir with the given active dependency groups.
func loadSnapshot(dir string, groups []string) (*manifest.Snapshot, error) {
	snap, err := manifest.Load(dir, groups)
	if err != nil {
		return nil, &pxerr.UserError{Reason: pxerr.ReasonMissingManifest, Message: err.Error(), Hint: "run `px init` first"}
	}
	return snap, nil
}

// resolveAndLock resolves snap via the pip-backed resolver and renders+writes px.lock,
// returning the lock. This is the pipeline every mutating command (add/remove/sync/update/
// migrate/tool install) drives.
func resolveAndLock(ctx context.Context, pctx *pxctx.Context, dir string, snap *manifest.Snapshot, indexes []string) (*lockfile.Lockfile, error) {
	exe := runtimeExe(pctx)
	env, tags, err := markerEnvAndTags(ctx, exe)
	if err != nil {
		return nil, err
	}

	pins, err := resolve.Resolve(ctx, snap, env, tags, indexes, pipbackend.New(exe))
	if err != nil {
		return nil, err
	}

	lock, err := lockfile.Render(snap, pins)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dir+"/px.lock", lock.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("writing px.lock: %w", err)
	}
	return lock, nil
}

// openStore opens the CAS store rooted at pctx.StoreRoot.
func openStore(ctx context.Context, pctx *pxctx.Context) (*cas.Store, error) {
	return cas.Open(ctx, pctx)
}

// ensureRuntime returns the CAS OID of the Runtime object for exe, ingesting it on first use
// (spec §4's supplemented `px python install` feature's concrete producer, also the bootstrap
// every mutating command needs before it can build a Profile).
func ensureRuntime(ctx context.Context, store *cas.Store, exe string) (string, error) {
	return pyruntime.Ingest(ctx, store, exe)
}

// platformOf builds the python.Platform bdist.InstallWheel needs to unpack a wheel, following
// the same introspection sequence pkg/python/pypa's own pip-parity test harness uses: scheme
// and tags from pyinspect, shebang from exe itself, and an external compileall-based Compiler.
func platformOf(ctx context.Context, exe string) (python.Platform, error) {
	info, err := pyinspect.Dynamic(ctx, exe)
	if err != nil {
		return python.Platform{}, fmt.Errorf("platformOf: %w", err)
	}
	compiler, err := python.ExternalCompiler(exe, "-m", "compileall")
	if err != nil {
		return python.Platform{}, fmt.Errorf("platformOf: %w", err)
	}
	uid, gid, uname, gname := 0, 0, "", ""
	if usr, err := user.Current(); err == nil {
		uid, _ = strconv.Atoi(usr.Uid)
		gid, _ = strconv.Atoi(usr.Gid)
		uname = usr.Username
		if grp, err := user.LookupGroupId(usr.Gid); err == nil {
			gname = grp.Name
		}
	}
	return python.Platform{
		ConsoleShebang:   exe,
		GraphicalShebang: exe,
		Scheme:           info.Scheme,
		UID:              uid,
		GID:              gid,
		UName:            uname,
		GName:            gname,
		VersionInfo:      &info.VersionInfo,
		Tags:             info.Tags,
		PyCompile:        compiler,
	}, nil
}

// buildPackages fetches each resolved pin's wheel and installs it against plat, producing a
// real PkgBuildObject per pin (spec §4.7's package closure). Pins without a wheel artifact
// (sdist-only) fall back to a live PEP 503/592/629 simple-index lookup (pkg/fetch's
// ResolveWheelSpec) before giving up, since a resolver pin doesn't always carry a concrete
// URL (e.g. a hand-edited lockfile entry).
func buildPackages(ctx context.Context, pctx *pxctx.Context, store *cas.Store, plat python.Platform, lock *lockfile.Lockfile) ([]cas.ProfilePackage, []string, error) {
	runtimeABI := ""
	if len(plat.Tags) > 0 {
		runtimeABI = plat.Tags[0].ABI
	}
	var packages []cas.ProfilePackage
	var sysPath []string
	for _, r := range lock.Resolved {
		wheel := fetch.WheelSpec{
			Name: r.Name, Version: r.Version, Filename: r.Artifact.Filename,
			URL: r.Artifact.URL, SHA256: r.Artifact.SHA256,
		}
		if !strings.HasSuffix(wheel.Filename, ".whl") {
			resolved, err := fetch.ResolveWheelSpec(ctx, "", r.Name, r.Version, plat.Tags, nil)
			if err != nil {
				return nil, nil, err
			}
			wheel = resolved
		}

		wheelPath, err := fetch.FetchWheel(ctx, pctx.CacheRoot, wheel, nil)
		if err != nil {
			return nil, nil, err
		}

		archive, err := os.ReadFile(wheelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("buildPackages: %w", err)
		}
		sourceOID, err := store.Write(ctx, &cas.SourceObject{
			Name: r.Name, Version: r.Version, Filename: wheel.Filename,
			SHA256: wheel.SHA256, Archive: archive,
		})
		if err != nil {
			return nil, nil, err
		}

		pkgOID, err := pkgbuild.Build(ctx, store, pkgbuild.Input{
			SourceOID: sourceOID, RuntimeABI: runtimeABI, Platform: plat, WheelPath: wheelPath,
		})
		if err != nil {
			return nil, nil, err
		}
		packages = append(packages, cas.ProfilePackage{Name: r.Name, Version: r.Version, PkgBuildOID: pkgOID})
		sysPath = append(sysPath, pkgOID)
	}
	return packages, sysPath, nil
}

// materializeLock builds a profile from lock+snap and materializes an environment for it,
// returning the env directory (spec §4.6+§4.7's handoff from Lock to Materializer).
func materializeLock(ctx context.Context, pctx *pxctx.Context, store *cas.Store, dir string, snap *manifest.Snapshot, lock *lockfile.Lockfile, runtimeOID string) (string, error) {
	exe := runtimeExe(pctx)
	plat, err := platformOf(ctx, exe)
	if err != nil {
		return "", err
	}
	packages, sysPath, err := buildPackages(ctx, pctx, store, plat, lock)
	if err != nil {
		return "", err
	}

	profileOID, err := profile.Build(ctx, store, profile.Input{
		RuntimeOID: runtimeOID, Packages: packages, SysPathOrder: sysPath, EnvVars: snap.PxOptions.EnvVars,
	})
	if err != nil {
		return "", err
	}

	req := materialize.Request{
		ProjectRootFingerprint: snap.ManifestFingerprint,
		LockID:                 lock.LockID,
		RuntimeVersion:         runtimeVersionOf(lock),
		ProfileOID:             profileOID,
		RuntimeOID:             runtimeOID,
		Packages:               packages,
		SysPathOrder:           sysPath,
		EnvVars:                snap.PxOptions.EnvVars,
	}
	envDir, err := materialize.Materialize(ctx, store, pctx.EnvsRoot, req)
	if err != nil {
		return "", err
	}

	envID := materialize.EnvID(snap.ManifestFingerprint, lock.LockID, runtimeVersionOf(lock))
	if err := state.Save(dir, &state.File{CurrentEnv: &state.CurrentEnv{
		ID: envID, LockID: lock.LockID, Platform: runtime.GOOS + "/" + runtime.GOARCH,
		SitePackages: sitePackagesDir(envDir, runtimeVersionOf(lock)), EnvPath: envDir, ProfileOID: profileOID,
		Python: state.PythonInfo{Path: filepath.Join(envDir, "bin", "python"), Version: runtimeVersionOf(lock)},
	}}); err != nil {
		return "", fmt.Errorf("materializeLock: saving state: %w", err)
	}
	return envDir, nil
}

func runtimeVersionOf(lock *lockfile.Lockfile) string {
	if lock.PythonRequirement != "" {
		return lock.PythonRequirement
	}
	return "3"
}

// sitePackagesDir mirrors pkg/materialize's own runtimeVersion -> "lib/pythonX.Y/site-packages"
// layout decision, for recording it in .px/state.json.
func sitePackagesDir(envDir, runtimeVersion string) string {
	parts := strings.SplitN(runtimeVersion, ".", 3)
	if len(parts) < 2 {
		return filepath.Join(envDir, "lib", "python3", "site-packages")
	}
	return filepath.Join(envDir, "lib", "python"+parts[0]+"."+parts[1], "site-packages")
}

// rawPyprojectDoc mirrors just enough of pyproject.toml to add/remove dependencies while
// round-tripping everything else verbatim through the generic `Rest` map.
type rawPyprojectDoc struct {
	Project struct {
		Name              string              `toml:"name"`
		Version           string              `toml:"version"`
		RequiresPython    string              `toml:"requires-python,omitempty"`
		Dependencies      []string            `toml:"dependencies"`
		OptionalDepGroups map[string][]string `toml:"optional-dependencies,omitempty"`
	} `toml:"project"`
	Tool map[string]map[string]any `toml:"tool,omitempty"`
}

func loadRawPyproject(dir string) (*rawPyprojectDoc, error) {
	bs, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
	if err != nil {
		return nil, &pxerr.UserError{Reason: pxerr.ReasonMissingManifest, Message: err.Error(), Hint: "run `px init` first"}
	}
	var doc rawPyprojectDoc
	if _, err := toml.Decode(string(bs), &doc); err != nil {
		return nil, &pxerr.UserError{Reason: pxerr.ReasonMissingManifest, Message: fmt.Sprintf("pyproject.toml: %v", err)}
	}
	return &doc, nil
}

func writeRawPyproject(dir string, doc *rawPyprojectDoc) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("writing pyproject.toml: %w", err)
	}
	path := filepath.Join(dir, "pyproject.toml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// addDependency appends spec to [project.dependencies] (or the named group's
// optional-dependencies list), deduping by canonical name.
func addDependency(dir, spec, group string) error {
	doc, err := loadRawPyproject(dir)
	if err != nil {
		return err
	}
	name := resolve.CanonicalizeName(leadingRequirementName(spec))

	if group == "" {
		doc.Project.Dependencies = upsertRequirement(doc.Project.Dependencies, name, spec)
	} else {
		if doc.Project.OptionalDepGroups == nil {
			doc.Project.OptionalDepGroups = map[string][]string{}
		}
		doc.Project.OptionalDepGroups[group] = upsertRequirement(doc.Project.OptionalDepGroups[group], name, spec)
	}
	return writeRawPyproject(dir, doc)
}

// removeDependency drops the requirement named name from [project.dependencies] and every
// optional-dependencies group.
func removeDependency(dir, name string) error {
	doc, err := loadRawPyproject(dir)
	if err != nil {
		return err
	}
	canon := resolve.CanonicalizeName(name)
	doc.Project.Dependencies = dropRequirement(doc.Project.Dependencies, canon)
	for group, deps := range doc.Project.OptionalDepGroups {
		doc.Project.OptionalDepGroups[group] = dropRequirement(deps, canon)
	}
	return writeRawPyproject(dir, doc)
}

func upsertRequirement(list []string, canonName, spec string) []string {
	out := dropRequirement(list, canonName)
	out = append(out, spec)
	sort.Strings(out)
	return out
}

func dropRequirement(list []string, canonName string) []string {
	var out []string
	for _, raw := range list {
		if resolve.CanonicalizeName(leadingRequirementName(raw)) == canonName {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func leadingRequirementName(raw string) string {
	name := raw
	for i, r := range name {
		if r == '[' || r == '<' || r == '>' || r == '=' || r == '!' || r == '~' || r == ';' || r == ' ' {
			name = name[:i]
			break
		}
	}
	return name
}

// stateOrViolationReport wraps state.StateOrViolation with the tag-support predicate built
// from the runtime's pep425.Installer, so every command that needs a Report doesn't have to
// re-derive it.
func stateOrViolationReport(ctx context.Context, store *cas.Store, dir string, snap *manifest.Snapshot, env resolve.MarkerEnv, tags pep425.Installer) (*state.Report, error) {
	return state.StateOrViolation(ctx, store, dir, snap, env, tagSupportOf(tags))
}

// runInManagedEnv execs the project's materialized interpreter with argv, inheriting the
// controlling terminal's stdio. `test`/`fmt` drive it the same way `run` drives an arbitrary
// target.
func runInManagedEnv(ctx context.Context, dir string, argv []string) error {
	f, err := state.Load(dir)
	if err != nil {
		return err
	}
	if f == nil || f.CurrentEnv == nil {
		return &pxerr.UserError{Reason: pxerr.ReasonMissingEnv, Message: "no materialized environment", Hint: "run `px sync`"}
	}
	cmd := dexec.CommandContext(ctx, f.CurrentEnv.Python.Path, argv...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd.Run()
}

// mustProjectDir returns the current working directory, the project root every CLI command
// that doesn't take an explicit path operates against.
func mustProjectDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
