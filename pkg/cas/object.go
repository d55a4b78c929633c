// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the Content-Addressable Store (spec §4.2, component C2): on-disk
// object layout, atomic writes, read-only enforcement, an index, owners/refs, garbage
// collection, and doctor repair.
package cas

import (
	"fmt"

	"github.com/pxdev/px/pkg/canon"
)

// Object is the union of payload kinds a Store can write, matching spec §3 "Object (CAS)".
// Each variant's Header/PayloadKind pair is the single source of truth the encoder AND the
// decoder both use (spec §9 "Dynamic dispatch across object kinds").
type Object interface {
	Kind() canon.Kind
	PayloadKind() string
	Header() any
	Payload() []byte
}

// SourceObject is a downloaded sdist/wheel archive (spec §3 "Source").
type SourceObject struct {
	Name     string
	Version  string
	Filename string
	IndexURL string
	SHA256   string
	Archive  []byte
}

func (o *SourceObject) Kind() canon.Kind  { return canon.KindSource }
func (o *SourceObject) PayloadKind() string { return "archive" }
func (o *SourceObject) Payload() []byte   { return o.Archive }
func (o *SourceObject) Header() any {
	return map[string]any{
		"name":      o.Name,
		"version":   o.Version,
		"filename":  o.Filename,
		"index_url": o.IndexURL,
		"sha256":    o.SHA256,
	}
}

// PkgBuildObject is a built, normalized install-tree for one (source, runtime ABI, builder)
// tuple (spec §3 "PkgBuild").
type PkgBuildObject struct {
	SourceOID        string
	RuntimeABI       string
	BuilderID        string
	BuildOptionsHash string
	Archive          []byte
}

func (o *PkgBuildObject) Kind() canon.Kind  { return canon.KindPkgBuild }
func (o *PkgBuildObject) PayloadKind() string { return "install-tree" }
func (o *PkgBuildObject) Payload() []byte   { return o.Archive }
func (o *PkgBuildObject) Header() any {
	return map[string]any{
		"source_oid":         o.SourceOID,
		"runtime_abi":        o.RuntimeABI,
		"builder_id":         o.BuilderID,
		"build_options_hash": o.BuildOptionsHash,
	}
}

// RuntimeObject is a Python interpreter tree (spec §3 "Runtime").
type RuntimeObject struct {
	Version         string
	ABI             string
	Platform        string
	BuildConfigHash string
	ExePath         string
	Archive         []byte
}

func (o *RuntimeObject) Kind() canon.Kind  { return canon.KindRuntime }
func (o *RuntimeObject) PayloadKind() string { return "interpreter-tree" }
func (o *RuntimeObject) Payload() []byte   { return o.Archive }
func (o *RuntimeObject) Header() any {
	return map[string]any{
		"version":           o.Version,
		"abi":               o.ABI,
		"platform":          o.Platform,
		"build_config_hash": o.BuildConfigHash,
		"exe_path":          o.ExePath,
	}
}

// RepoSnapshotObject is a pinned git checkout (spec §3 "RepoSnapshot").
type RepoSnapshotObject struct {
	Locator string
	Commit  string
	Subdir  string
	Archive []byte
}

func (o *RepoSnapshotObject) Kind() canon.Kind  { return canon.KindRepoSnapshot }
func (o *RepoSnapshotObject) PayloadKind() string { return "repo-archive" }
func (o *RepoSnapshotObject) Payload() []byte   { return o.Archive }
func (o *RepoSnapshotObject) Header() any {
	h := map[string]any{
		"locator": o.Locator,
		"commit":  o.Commit,
	}
	if o.Subdir != "" {
		h["subdir"] = o.Subdir
	}
	return h
}

// ProfilePackage is one entry of a Profile's package closure.
type ProfilePackage struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	PkgBuildOID string `json:"pkg_build_oid"`
}

// ProfileObject composes a runtime + package closure + sys.path order + env vars into a
// single addressable unit (spec §3 "Profile"). It carries no payload beyond its header.
type ProfileObject struct {
	RuntimeOID   string
	Packages     []ProfilePackage
	SysPathOrder []string
	EnvVars      map[string]string
}

func (o *ProfileObject) Kind() canon.Kind  { return canon.KindProfile }
func (o *ProfileObject) PayloadKind() string { return "none" }
func (o *ProfileObject) Payload() []byte   { return nil }
func (o *ProfileObject) Header() any {
	packages := make([]any, 0, len(o.Packages))
	for _, p := range o.Packages {
		packages = append(packages, map[string]any{
			"name":          p.Name,
			"version":       p.Version,
			"pkg_build_oid": p.PkgBuildOID,
		})
	}
	sysPath := make([]any, 0, len(o.SysPathOrder))
	for _, s := range o.SysPathOrder {
		sysPath = append(sysPath, s)
	}
	env := map[string]any{}
	for k, v := range o.EnvVars {
		env[k] = v
	}
	return map[string]any{
		"runtime_oid":    o.RuntimeOID,
		"packages":       packages,
		"sys_path_order": sysPath,
		"env_vars":       env,
	}
}

// MetaObject carries opaque bytes for anything else the store needs to address (spec §3
// "Meta"), e.g. a cached resolver response or a rendered sandbox manifest.
type MetaObject struct {
	Tag  string
	Data []byte
}

func (o *MetaObject) Kind() canon.Kind  { return canon.KindMeta }
func (o *MetaObject) PayloadKind() string { return "opaque" }
func (o *MetaObject) Payload() []byte   { return o.Data }
func (o *MetaObject) Header() any {
	return map[string]any{"tag": o.Tag}
}

// envelope builds the canon.Envelope for an Object, ready for Encode/OID.
func envelope(obj Object) canon.Envelope {
	return canon.Envelope{
		Kind:        obj.Kind(),
		PayloadKind: obj.PayloadKind(),
		Header:      obj.Header(),
		Payload:     obj.Payload(),
	}
}

// ComputeOID returns the OID an object would be written under, without writing it.
func ComputeOID(obj Object) (string, error) {
	oid, err := canon.OID(envelope(obj))
	if err != nil {
		return "", fmt.Errorf("cas.ComputeOID: %w", err)
	}
	return oid, nil
}
