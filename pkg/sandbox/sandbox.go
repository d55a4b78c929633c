// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package sandbox implements the Sandbox Image Builder (spec §4.10, component C10): capability
// inference, deterministic sandbox identity, and assembling a base-OS + system-deps + env
// three-layer OCI image from a materialized environment.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ociv1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	ociv1tarball "github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/pxdev/px/pkg/canon"
	"github.com/pxdev/px/pkg/dir"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/reproducible"
)

// Definition is spec §4.10's `SandboxDefinition`.
type Definition struct {
	BaseOSOID    string
	Capabilities []string // sorted, deduplicated
	ProfileOID   string
	SystemDeps   []string // sorted, deduplicated pinned package specs
	SBXVersion   int
}

// capabilityTable is the fixed package-name → capability mapping spec §4.10 "Capabilities" (a)
// describes.
var capabilityTable = map[string][]string{
	"psycopg2":       {"postgres"},
	"psycopg2-binary": {"postgres"},
	"pillow":         {"imagecodecs"},
	"lxml":           {"xml"},
	"mysqlclient":    {"mysql"},
	"pycairo":        {"cairo"},
	"pyzmq":          {"zmq"},
}

// sharedLibraryCapabilities maps known shared-library name fragments found while scanning
// site-packages to capabilities (spec §4.10 "Capabilities" (b)).
var sharedLibraryCapabilities = map[string]string{
	"libpq":   "postgres",
	"libjpeg": "imagecodecs",
	"libxml2": "xml",
	"libzmq":  "zmq",
}

// knownCapabilities is the full set a user override is allowed to name; anything else is
// rejected with PX901 (spec §4.10 "Unknown capabilities reject with code PX901").
var knownCapabilities = func() map[string]bool {
	set := map[string]bool{}
	for _, caps := range capabilityTable {
		for _, c := range caps {
			set[c] = true
		}
	}
	for _, c := range sharedLibraryCapabilities {
		set[c] = true
	}
	return set
}()

// InferCapabilities implements spec §4.10 "Capabilities": direct package names + shared
// library fragments found on disk, then overrides (false always wins over an inferred true).
func InferCapabilities(directPackageNames []string, sharedLibraryFragments []string, overrides map[string]bool) ([]string, error) {
	inferred := map[string]bool{}
	for _, name := range directPackageNames {
		for _, c := range capabilityTable[strings.ToLower(name)] {
			inferred[c] = true
		}
	}
	for _, frag := range sharedLibraryFragments {
		for libFrag, cap := range sharedLibraryCapabilities {
			if strings.Contains(frag, libFrag) {
				inferred[cap] = true
			}
		}
	}

	for name, enabled := range overrides {
		if !knownCapabilities[name] {
			return nil, &pxerr.UserError{
				Reason:  pxerr.ReasonSandboxCapability,
				Message: fmt.Sprintf("unknown sandbox capability %q", name),
				Hint:    "check `px pack image --help` for the supported capability list",
			}
		}
		if enabled {
			inferred[name] = true
		} else {
			delete(inferred, name) // false always wins over an inferred true
		}
	}

	out := make([]string, 0, len(inferred))
	for c := range inferred {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// ID computes spec §4.10's `sbx_id = sha256(canonical_json({sandbox: sorted(definition)}))`.
func ID(def Definition) (string, error) {
	caps := append([]string(nil), def.Capabilities...)
	sort.Strings(caps)
	deps := append([]string(nil), def.SystemDeps...)
	sort.Strings(deps)

	header := map[string]any{
		"base_os_oid":  def.BaseOSOID,
		"capabilities": caps,
		"profile_oid":  def.ProfileOID,
		"system_deps":  deps,
		"sbx_version":  def.SBXVersion,
	}
	return canon.OID(canon.Envelope{Kind: canon.KindMeta, PayloadKind: "sandbox-definition", Header: header})
}

// Assembly is the result of building a sandbox image (spec §4.10 "Image assembly").
type Assembly struct {
	SBXID        string
	OCIDir       string
	LayerDigests []string
}

// Build assembles the three layers spec §4.10 describes -- base-OS rootfs, system-deps, and
// the materialized env rooted at /px/env -- into a deterministic OCI image under
// <sandboxStore>/images/<sbx_id>/oci/.
func Build(def Definition, baseOSRootfs, systemDepsRoot, envDir, sandboxStore string) (Assembly, error) {
	sbxID, err := ID(def)
	if err != nil {
		return Assembly{}, fmt.Errorf("sandbox.Build: %w", err)
	}

	clampTime := reproducible.Now()

	var layers []ociv1.Layer
	var digests []string

	if baseOSRootfs != "" {
		l, err := dir.LayerFromDir(baseOSRootfs, nil, nil, clampTime)
		if err != nil {
			return Assembly{}, &pxerr.UserError{Reason: pxerr.ReasonSandboxBase, Message: err.Error()}
		}
		layers = append(layers, l)
	}

	if systemDepsRoot != "" {
		l, err := dir.LayerFromDir(systemDepsRoot, nil, nil, clampTime)
		if err != nil {
			return Assembly{}, &pxerr.UserError{Reason: pxerr.ReasonSandboxBackend, Message: err.Error()}
		}
		layers = append(layers, l)
	}

	envLayer, err := dir.LayerFromDir(envDir, &dir.Prefix{DirName: "px/env"}, nil, clampTime)
	if err != nil {
		return Assembly{}, &pxerr.UserError{Reason: pxerr.ReasonSandboxLayer, Message: err.Error()}
	}
	layers = append(layers, envLayer)

	img, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return Assembly{}, &pxerr.UserError{Reason: pxerr.ReasonSandboxLayer, Message: err.Error()}
	}

	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return Assembly{}, &pxerr.UserError{Reason: pxerr.ReasonSandboxMetadata, Message: err.Error()}
		}
		digests = append(digests, d.String())
	}

	ociDir := filepath.Join(sandboxStore, "images", sbxID, "oci")
	if err := os.MkdirAll(ociDir, 0o755); err != nil {
		return Assembly{}, fmt.Errorf("sandbox.Build: %w", err)
	}
	if err := writeOCILayout(img, ociDir); err != nil {
		return Assembly{}, fmt.Errorf("sandbox.Build: %w", err)
	}

	return Assembly{SBXID: sbxID, OCIDir: ociDir, LayerDigests: digests}, nil
}

func writeOCILayout(img ociv1.Image, ociDir string) error {
	tarPath := filepath.Join(ociDir, "image.tar")
	f, err := os.Create(tarPath)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	return ociv1tarball.Write(nil, img, f)
}

// RunContract describes the host->container rewrites spec §4.10 "Run contract" requires.
type RunContract struct {
	ProjectRoot string
	EnvDir      string
	SBXID       string
}

// ContainerEnv builds the environment variables injected into the sandboxed process (spec
// §4.10 "Run contract"): PX_SANDBOX markers, PATH with /px/env/bin first, and host paths in
// PYTHONPATH/LD_LIBRARY_PATH rewritten to their container equivalents.
func (rc RunContract) ContainerEnv(hostPythonPath, hostLDLibraryPath string, allowProxyEnv bool, inherited map[string]string) map[string]string {
	out := map[string]string{
		"PX_SANDBOX":    "1",
		"PX_SANDBOX_ID": rc.SBXID,
		"PATH":          "/px/env/bin:/usr/bin:/bin",
		"PYTHONPATH":    rewritePaths(hostPythonPath, rc.EnvDir, rc.ProjectRoot),
	}
	if hostLDLibraryPath != "" {
		out["LD_LIBRARY_PATH"] = rewritePaths(hostLDLibraryPath, rc.EnvDir, rc.ProjectRoot)
	}
	for k, v := range inherited {
		if strings.HasPrefix(k, "HTTP_PROXY") || strings.HasPrefix(k, "HTTPS_PROXY") ||
			k == "http_proxy" || k == "https_proxy" {
			if !allowProxyEnv {
				continue
			}
		}
		if _, reserved := out[k]; reserved {
			continue
		}
		out[k] = v
	}
	return out
}

func rewritePaths(pathList, envDir, projectRoot string) string {
	parts := strings.Split(pathList, string(os.PathListSeparator))
	for i, p := range parts {
		switch {
		case envDir != "" && strings.HasPrefix(p, envDir):
			parts[i] = "/px/env" + strings.TrimPrefix(p, envDir)
		case projectRoot != "" && strings.HasPrefix(p, projectRoot):
			parts[i] = "/app" + strings.TrimPrefix(p, projectRoot)
		}
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// RewriteArgvPath rewrites an absolute argv entry that points into the env root to its
// container path (spec §4.10 "rewrite absolute paths in argv that point into env root").
func RewriteArgvPath(arg, envDir string) string {
	if envDir != "" && strings.HasPrefix(arg, envDir) {
		return "/px/env" + strings.TrimPrefix(arg, envDir)
	}
	return arg
}

// ScanSharedLibraryFragments walks dir looking for well-known shared-library filename
// fragments (spec §4.10 "Capabilities" (b) site-packages scanning).
func ScanSharedLibraryFragments(root string) ([]string, error) {
	var found []string
	seen := map[string]bool{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort scan; a broken entry shouldn't abort the walk
		}
		if info.IsDir() {
			return nil
		}
		name := strings.ToLower(info.Name())
		for frag := range sharedLibraryCapabilities {
			if strings.Contains(name, frag) && !seen[frag] {
				seen[frag] = true
				found = append(found, frag)
			}
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}
