// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package manifest reads pyproject.toml into the Project Snapshot the rest of px operates
// on (spec §3 "Project Snapshot", §6 "Project manifest").
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/pxdev/px/pkg/canon"
)

// PxOptions is the reserved [tool.px] table (spec §6).
type PxOptions struct {
	ManageCommand  string            `toml:"manage_command"`
	PluginImports  []string          `toml:"plugin_imports"`
	EnvVars        map[string]string `toml:"env_vars"`
	PinManifest    bool              `toml:"pin_manifest"`
	Scripts        map[string]string `toml:"scripts"`
	Sandbox        SandboxOptions    `toml:"sandbox"`
	WorkspaceGlobs []string          `toml:"-"`
}

// SandboxOptions is [tool.px.sandbox] (spec §4.10): the base OS image reference, whether
// px should build a sandbox automatically on `px run --sandbox`, and capability overrides.
type SandboxOptions struct {
	Base         string   `toml:"base"`
	Auto         bool     `toml:"auto"`
	Capabilities []string `toml:"capabilities"`
}

// rawDocument mirrors the on-disk pyproject.toml shape (spec §6): standard [project] fields
// plus the reserved [tool.px] table.
type rawDocument struct {
	Project struct {
		Name                string              `toml:"name"`
		Version             string              `toml:"version"`
		RequiresPython      string              `toml:"requires-python"`
		Dependencies        []string            `toml:"dependencies"`
		OptionalDepGroups   map[string][]string `toml:"optional-dependencies"`
		Scripts             map[string]string   `toml:"scripts"`
	} `toml:"project"`

	DependencyGroups map[string][]string `toml:"dependency-groups"`

	Tool struct {
		Px struct {
			ManageCommand string            `toml:"manage_command"`
			PluginImports []string          `toml:"plugin_imports"`
			EnvVars       map[string]string `toml:"env_vars"`
			PinManifest   bool              `toml:"pin_manifest"`
			Scripts       map[string]string `toml:"scripts"`
			Workspace     struct {
				Members []string `toml:"members"`
			} `toml:"workspace"`
			Sandbox struct {
				Base         string   `toml:"base"`
				Auto         bool     `toml:"auto"`
				Capabilities []string `toml:"capabilities"`
			} `toml:"sandbox"`
			Fmt struct {
				Tools []string `toml:"tools"`
			} `toml:"fmt"`
		} `toml:"px"`
	} `toml:"tool"`
}

// Snapshot is the in-memory read of a project manifest (spec §3 "Project Snapshot").
type Snapshot struct {
	ProjectName         string
	PythonRequirement    string
	PythonOverride       string
	Dependencies         []string            // direct
	DependencyGroups     map[string][]string // declared
	ActiveGroups         []string            // declared + active
	GroupDependencies    []string            // merged transitive of active groups
	Requirements         []string            // union used for resolution
	PxOptions            PxOptions
	WorkspaceMembers     []string
	ManifestFingerprint  string

	path string
}

// Load reads pyproject.toml at projectDir/pyproject.toml and activates the named dependency
// groups in addition to any the manifest marks default-active (none, currently -- px leaves
// default-activation to the caller, mirroring uv/pdm's explicit --group semantics).
func Load(projectDir string, activeGroups []string) (*Snapshot, error) {
	path := filepath.Join(projectDir, "pyproject.toml")
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest.Load: %w", err)
	}

	var doc rawDocument
	if _, err := toml.Decode(string(bs), &doc); err != nil {
		return nil, fmt.Errorf("manifest.Load %s: %w", path, err)
	}

	snap := &Snapshot{
		ProjectName:      doc.Project.Name,
		PythonRequirement: doc.Project.RequiresPython,
		Dependencies:     append([]string(nil), doc.Project.Dependencies...),
		DependencyGroups: map[string][]string{},
		ActiveGroups:     append([]string(nil), activeGroups...),
		WorkspaceMembers: doc.Tool.Px.Workspace.Members,
		PxOptions: PxOptions{
			ManageCommand: doc.Tool.Px.ManageCommand,
			PluginImports: doc.Tool.Px.PluginImports,
			EnvVars:       doc.Tool.Px.EnvVars,
			PinManifest:   doc.Tool.Px.PinManifest,
			Scripts:       doc.Tool.Px.Scripts,
			Sandbox: SandboxOptions{
				Base:         doc.Tool.Px.Sandbox.Base,
				Auto:         doc.Tool.Px.Sandbox.Auto,
				Capabilities: doc.Tool.Px.Sandbox.Capabilities,
			},
		},
		path: path,
	}
	for name, deps := range doc.Project.OptionalDepGroups {
		snap.DependencyGroups[name] = deps
	}
	for name, deps := range doc.DependencyGroups {
		snap.DependencyGroups[name] = deps
	}

	sort.Strings(snap.ActiveGroups)
	for _, g := range snap.ActiveGroups {
		snap.GroupDependencies = append(snap.GroupDependencies, snap.DependencyGroups[g]...)
	}

	snap.Requirements = unionDedup(snap.Dependencies, snap.GroupDependencies)

	snap.ManifestFingerprint, err = computeFingerprint(snap)
	if err != nil {
		return nil, fmt.Errorf("manifest.Load: %w", err)
	}
	return snap, nil
}

// Path returns the pyproject.toml path this snapshot was read from.
func (s *Snapshot) Path() string { return s.path }

func unionDedup(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, item := range list {
			if seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

// computeFingerprint hashes the normalized, observable semantics of the manifest: the
// invariant spec §3 demands is "two manifests with identical observable semantics produce
// identical fingerprints" -- so map/slice ordering here must not matter, which is exactly
// what canon.Encode guarantees.
func computeFingerprint(s *Snapshot) (string, error) {
	header := map[string]any{
		"project_name":       s.ProjectName,
		"python_requirement": s.PythonRequirement,
		"dependencies":       s.Dependencies,
		"dependency_groups":  s.DependencyGroups,
		"active_groups":      s.ActiveGroups,
		"px_options": map[string]any{
			"manage_command": s.PxOptions.ManageCommand,
			"plugin_imports": s.PxOptions.PluginImports,
			"env_vars":       s.PxOptions.EnvVars,
			"pin_manifest":   s.PxOptions.PinManifest,
		},
	}
	return canon.OID(canon.Envelope{
		Kind:        canon.KindMeta,
		PayloadKind: "manifest-fingerprint",
		Header:      header,
	})
}
