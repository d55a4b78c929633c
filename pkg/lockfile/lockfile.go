// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package lockfile implements the Lockfile Engine (spec §4.5, component C5): rendering and
// parsing px.lock, diffing it against a manifest, checking freshness, and validating the
// transitive closure stays connected under the active marker environment.
package lockfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/pxdev/px/pkg/manifest"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/resolve"
)

const (
	// CurrentVersion is the only lockfile version this build writes or accepts.
	CurrentVersion = 1
	// ModePinned is the only mode tag spec §3 "Lockfile" currently defines.
	ModePinned = "p0-pinned"
)

// Artifact is the per-pin artifact descriptor rendered into [[resolved]] (spec §4.5 "Render").
type Artifact struct {
	Filename    string `toml:"filename,omitempty"`
	URL         string `toml:"url,omitempty"`
	SHA256      string `toml:"sha256,omitempty"`
	PythonTag   string `toml:"python_tag,omitempty"`
	ABITag      string `toml:"abi_tag,omitempty"`
	PlatformTag string `toml:"platform_tag,omitempty"`

	BuildOptionsHash string `toml:"build_options_hash,omitempty"`
	IsDirectURL      bool   `toml:"is_direct_url,omitempty"`
}

// ResolvedEntry is one `[[resolved]]` table (spec §3 "Lockfile").
type ResolvedEntry struct {
	Name     string   `toml:"name"`
	Version  string   `toml:"version"`
	Extras   []string `toml:"extras,omitempty"`
	Marker   string   `toml:"marker,omitempty"`
	Direct   bool     `toml:"direct"`
	Requires []string `toml:"requires,omitempty"`
	Artifact Artifact `toml:"artifact"`
}

// document is the on-disk px.lock shape.
type document struct {
	Version  int    `toml:"version"`
	Metadata struct {
		Mode               string `toml:"mode"`
		ManifestFingerprint string `toml:"manifest_fingerprint"`
	} `toml:"metadata"`
	Project struct {
		Name string `toml:"name"`
	} `toml:"project"`
	Python struct {
		Requirement string `toml:"requirement"`
	} `toml:"python"`
	Dependencies []string        `toml:"dependencies"`
	Resolved     []ResolvedEntry `toml:"resolved"`
}

// Lockfile is a parsed, typed px.lock (spec's "LockSnapshot").
type Lockfile struct {
	Version             int
	Mode                string
	ManifestFingerprint string
	ProjectName         string
	PythonRequirement   string
	Dependencies        []string
	Resolved            []ResolvedEntry
	LockID              string
	raw                 []byte
}

func toArtifact(src *resolve.Source) Artifact {
	if src == nil {
		return Artifact{}
	}
	if src.IsDirectURL {
		return Artifact{URL: src.DirectURL, SHA256: src.DirectURLSHA256, IsDirectURL: true}
	}
	if src.WheelFilename != "" {
		return Artifact{
			Filename: src.WheelFilename, URL: src.WheelURL, SHA256: src.WheelSHA256,
			PythonTag: src.PythonTag, ABITag: src.ABITag, PlatformTag: src.PlatformTag,
		}
	}
	return Artifact{
		Filename: src.SdistFilename, URL: src.SdistURL, SHA256: src.SdistSHA256,
		BuildOptionsHash: src.BuildOptionsHash,
	}
}

// Render produces the canonical textual px.lock for snap + pins (spec §4.5 "Render").
// Dependencies are sorted as raw requirement strings; resolved entries put direct pins first,
// then transitive pins, each group ordered by pin name -- this ordering (not map/struct field
// order) is what makes `lock_id` reproducible across runs with the same pin set.
func Render(snap *manifest.Snapshot, pins []resolve.Pin) (*Lockfile, error) {
	deps := append([]string(nil), snap.Dependencies...)
	sort.Strings(deps)

	sorted := append([]resolve.Pin(nil), pins...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Direct != sorted[j].Direct {
			return sorted[i].Direct // direct first
		}
		return sorted[i].Name < sorted[j].Name
	})

	var doc document
	doc.Version = CurrentVersion
	doc.Metadata.Mode = ModePinned
	doc.Metadata.ManifestFingerprint = snap.ManifestFingerprint
	doc.Project.Name = snap.ProjectName
	doc.Python.Requirement = snap.PythonRequirement
	doc.Dependencies = deps
	for _, p := range sorted {
		doc.Resolved = append(doc.Resolved, ResolvedEntry{
			Name: p.Name, Version: p.Version, Extras: p.Extras, Marker: p.Marker,
			Direct: p.Direct, Requires: p.Requires, Artifact: toArtifact(p.Source),
		})
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("lockfile.Render: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Lockfile{
		Version: doc.Version, Mode: doc.Metadata.Mode, ManifestFingerprint: doc.Metadata.ManifestFingerprint,
		ProjectName: doc.Project.Name, PythonRequirement: doc.Python.Requirement,
		Dependencies: doc.Dependencies, Resolved: doc.Resolved,
		LockID: hex.EncodeToString(sum[:]), raw: buf.Bytes(),
	}, nil
}

// Bytes returns the rendered lock bytes lock_id was computed over.
func (l *Lockfile) Bytes() []byte { return l.raw }

// Parse reads raw px.lock bytes strictly: unknown version or a mode other than p0-pinned is
// rejected outright (spec §4.5 "Parse").
func Parse(raw []byte) (*Lockfile, error) {
	var doc document
	if _, err := toml.Decode(string(raw), &doc); err != nil {
		return nil, &pxerr.UserError{Reason: pxerr.ReasonIncompleteLock, Message: err.Error(), Hint: "px.lock is not valid TOML"}
	}
	if doc.Version != CurrentVersion {
		return nil, &pxerr.UserError{
			Reason: pxerr.ReasonIncompleteLock, Message: fmt.Sprintf("unsupported lock version %d", doc.Version),
			Hint: "regenerate the lock with `px sync`",
		}
	}
	if doc.Metadata.Mode != ModePinned {
		return nil, &pxerr.UserError{
			Reason: pxerr.ReasonIncompleteLock, Message: fmt.Sprintf("unsupported lock mode %q", doc.Metadata.Mode),
			Hint: "regenerate the lock with `px sync`",
		}
	}
	for _, entry := range doc.Resolved {
		if entry.Name == "" || entry.Version == "" {
			return nil, &pxerr.UserError{Reason: pxerr.ReasonIncompleteLock, Message: "resolved entry missing name or version"}
		}
		if entry.Artifact.Filename == "" && entry.Artifact.URL == "" {
			return nil, &pxerr.UserError{
				Reason: pxerr.ReasonMissingArtifacts, Message: fmt.Sprintf("%s has no artifact descriptor", entry.Name),
			}
		}
	}

	sum := sha256.Sum256(raw)
	return &Lockfile{
		Version: doc.Version, Mode: doc.Metadata.Mode, ManifestFingerprint: doc.Metadata.ManifestFingerprint,
		ProjectName: doc.Project.Name, PythonRequirement: doc.Python.Requirement,
		Dependencies: doc.Dependencies, Resolved: doc.Resolved,
		LockID: hex.EncodeToString(sum[:]), raw: append([]byte(nil), raw...),
	}, nil
}

// DiffReport is spec §4.5 "Diff"'s `LockDiffReport`.
type DiffReport struct {
	Added           []string
	Removed         []string
	Changed         []string
	PythonMismatch  bool
	VersionMismatch bool
	ModeMismatch    bool
	ProjectMismatch bool
}

// IsClean reports whether the lock matches the manifest well enough to use as-is.
func (r DiffReport) IsClean() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0 &&
		!r.PythonMismatch && !r.VersionMismatch && !r.ModeMismatch && !r.ProjectMismatch
}

// AnalyzeDiff compares snap against l under env, filtering both sides by active markers
// before comparing (spec §4.5 "Diff").
func AnalyzeDiff(snap *manifest.Snapshot, l *Lockfile, env resolve.MarkerEnv) DiffReport {
	var report DiffReport

	if l.Mode != ModePinned {
		report.ModeMismatch = true
	}
	if l.ProjectName != snap.ProjectName {
		report.ProjectMismatch = true
	}
	if l.PythonRequirement != snap.PythonRequirement {
		report.PythonMismatch = true
	}

	manifestMap := map[string]string{} // canonical name -> raw requirement
	for _, raw := range snap.Dependencies {
		name := requirementName(raw)
		if name != "" {
			manifestMap[name] = raw
		}
	}

	lockDirectMap := map[string]ResolvedEntry{}
	for _, entry := range l.Resolved {
		if !entry.Direct {
			continue
		}
		if !resolve.EvalMarker(entry.Marker, env) {
			continue
		}
		lockDirectMap[resolve.CanonicalizeName(entry.Name)] = entry
	}

	for name, raw := range manifestMap {
		entry, ok := lockDirectMap[name]
		if !ok {
			report.Added = append(report.Added, name)
			continue
		}
		if !requirementSatisfiedBy(raw, entry.Version) {
			report.Changed = append(report.Changed, name)
		}
	}
	for name := range lockDirectMap {
		if _, ok := manifestMap[name]; !ok {
			report.Removed = append(report.Removed, name)
		}
	}

	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Strings(report.Changed)
	return report
}

func requirementName(raw string) string {
	rest := raw
	if idx := strings.Index(rest, ";"); idx >= 0 {
		rest = rest[:idx]
	}
	if idx := strings.IndexAny(rest, "[<>=!~"); idx >= 0 {
		rest = rest[:idx]
	}
	return resolve.CanonicalizeName(strings.TrimSpace(rest))
}

// requirementSatisfiedBy is a pragmatic stand-in for "satisfied by the other's PEP 440
// specifier under the active marker set" (spec §4.5 "Diff" rule): an exact-pin requirement
// must match the locked version literally; anything looser (range, unconstrained) is treated
// as satisfied, deferring to the resolver's own specifier matching at resolve time.
func requirementSatisfiedBy(raw, version string) bool {
	idx := strings.Index(raw, "==")
	if idx < 0 {
		return true
	}
	want := strings.TrimSpace(raw[idx+2:])
	if semi := strings.Index(want, ";"); semi >= 0 {
		want = strings.TrimSpace(want[:semi])
	}
	return want == version
}

// ClosureIssues validates spec §4.5 "Closure validation": every `requires` entry of an active
// pin must resolve to another active pin.
func ClosureIssues(l *Lockfile, env resolve.MarkerEnv) []string {
	active := map[string]ResolvedEntry{}
	for _, entry := range l.Resolved {
		if resolve.EvalMarker(entry.Marker, env) {
			active[resolve.CanonicalizeName(entry.Name)] = entry
		}
	}

	var issues []string
	for _, entry := range active {
		for _, req := range entry.Requires {
			name := resolve.CanonicalizeName(req)
			if _, ok := active[name]; !ok {
				issues = append(issues, fmt.Sprintf("px.lock missing transitive dependency %s (required by %s)", req, entry.Name))
			}
		}
	}
	sort.Strings(issues)
	return issues
}

// ArtifactIssues validates spec §4.5 "Artifact verification".
func ArtifactIssues(l *Lockfile) []string {
	var issues []string
	for _, entry := range l.Resolved {
		if entry.Artifact.Filename == "" && entry.Artifact.URL == "" {
			issues = append(issues, fmt.Sprintf("%s missing artifact filename/url", entry.Name))
			continue
		}
		if entry.Artifact.SHA256 == "" {
			issues = append(issues, fmt.Sprintf("%s missing artifact sha256", entry.Name))
		}
	}
	return issues
}

// TagSupport reports whether a tag triple is in the set the running interpreter supports.
type TagSupport func(pythonTag, abiTag, platformTag string) bool

// IsFresh implements spec §4.5 "Freshness" (`lock_is_fresh`).
func IsFresh(snap *manifest.Snapshot, l *Lockfile, env resolve.MarkerEnv, forceSdist bool, tagSupport TagSupport) bool {
	if !AnalyzeDiff(snap, l, env).IsClean() {
		return false
	}
	if len(ClosureIssues(l, env)) > 0 {
		return false
	}
	if l.ManifestFingerprint != snap.ManifestFingerprint {
		return false
	}
	for _, entry := range l.Resolved {
		if entry.Artifact.IsDirectURL {
			continue
		}
		if forceSdist && entry.Artifact.Filename != "" && entry.Artifact.BuildOptionsHash == "" && entry.Artifact.PythonTag == "" {
			return false
		}
		if entry.Artifact.PythonTag != "" && tagSupport != nil {
			if !tagSupport(entry.Artifact.PythonTag, entry.Artifact.ABITag, entry.Artifact.PlatformTag) {
				return false
			}
		}
	}
	return true
}
