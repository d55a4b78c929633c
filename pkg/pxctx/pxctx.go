// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pxctx holds the explicit, threaded-through context object that spec §9 ("Global
// mutable state") asks for in place of process-wide statics: the store/envs/tools/cache
// roots, the online flag, and the sandbox backend selection. Only the CLI boundary
// (main.go's currentPxCtx, via FromEnvironment) is allowed to read environment variables to
// build one of these.
package pxctx

import (
	"os"
	"path/filepath"
)

// Context is threaded through every component entry point. Nothing below the CLI boundary
// reads an environment variable directly; everything reads this struct instead.
type Context struct {
	// StoreRoot is the CAS root (PX_STORE_PATH).
	StoreRoot string
	// EnvsRoot holds materialized project/workspace environments (PX_ENVS_PATH).
	EnvsRoot string
	// ToolsRoot holds per-tool mini-projects (PX_TOOLS_DIR).
	ToolsRoot string
	// CacheRoot holds the wheel/sdist-build cache, inline-script synthesis, and the
	// run-by-reference provenance log (PX_CACHE_PATH).
	CacheRoot string

	// SandboxStore is the OCI image store root for C10 (PX_SANDBOX_STORE).
	SandboxStore string
	// SandboxBackend names the container runtime used to execute sandboxed runs
	// (PX_SANDBOX_BACKEND), e.g. "docker", "podman", "none".
	SandboxBackend string

	// RuntimePython overrides interpreter discovery (PX_RUNTIME_PYTHON).
	RuntimePython string
	// NoEnsurepip disables seeding pip/setuptools into materialized environments
	// (PX_NO_ENSUREPIP).
	NoEnsurepip bool
	// SystemDepsMode controls how C10 resolves system package installs
	// ("vendor", "host", "skip") (PX_SYSTEM_DEPS_MODE).
	SystemDepsMode string

	// Online is false when PX_ONLINE=0 or unset and no network-requiring operation has
	// been explicitly allowed; CI=1 implies strict-mode defaults (see Strict).
	Online bool
	// Strict mirrors --frozen / CI=1: state guard refusals over auto-sync (§4.8).
	Strict bool
	// CI is true when the CI environment variable is set (any non-empty value).
	CI bool

	// Stdout/Stderr exist so tests can capture output without pointing at the real
	// process streams; nil means os.Stdout/os.Stderr.
	Stdout *os.File
	Stderr *os.File
}

// FromEnvironment builds a Context by reading the PX_*/CI environment variables documented
// in spec §6. This is the ONLY constructor that is allowed to call os.Getenv; every other
// caller receives a *Context as a parameter.
func FromEnvironment() *Context {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	pxHome := filepath.Join(home, ".px")

	c := &Context{
		StoreRoot:      envOr("PX_STORE_PATH", filepath.Join(pxHome, "store")),
		EnvsRoot:       envOr("PX_ENVS_PATH", filepath.Join(pxHome, "envs")),
		ToolsRoot:      envOr("PX_TOOLS_DIR", filepath.Join(pxHome, "tools")),
		CacheRoot:      envOr("PX_CACHE_PATH", filepath.Join(pxHome, "cache")),
		SandboxStore:   envOr("PX_SANDBOX_STORE", filepath.Join(pxHome, "sandbox")),
		SandboxBackend: envOr("PX_SANDBOX_BACKEND", "docker"),
		RuntimePython:  os.Getenv("PX_RUNTIME_PYTHON"),
		NoEnsurepip:    os.Getenv("PX_NO_ENSUREPIP") != "",
		SystemDepsMode: envOr("PX_SYSTEM_DEPS_MODE", "vendor"),
		Online:         os.Getenv("PX_ONLINE") == "1",
		CI:             os.Getenv("CI") != "",
	}
	c.Strict = c.CI
	return c
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

// ObjectsDir is the CAS object shard root: <StoreRoot>/objects.
func (c *Context) ObjectsDir() string { return filepath.Join(c.StoreRoot, "objects") }

// TmpDir is the CAS staging directory: <StoreRoot>/tmp.
func (c *Context) TmpDir() string { return filepath.Join(c.StoreRoot, "tmp") }

// LocksDir holds the CAS's per-OID lock directories: <StoreRoot>/locks.
func (c *Context) LocksDir() string { return filepath.Join(c.StoreRoot, "locks") }

// MaterializedDir is the root under which pkg-builds/runtimes/repo-snapshots are unpacked.
func (c *Context) MaterializedDir() string { return filepath.Join(c.StoreRoot, "materialized") }

// IndexPath is the CAS index file (spec's "index.sqlite" slot; see the doc comment on
// pkg/cas's index type for why this is a gob-encoded flat file rather than a real sqlite file).
func (c *Context) IndexPath() string { return filepath.Join(c.StoreRoot, "index.db") }
