// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package profile implements the Profile Builder (spec §4.6, component C6): composing a
// runtime OID, a package closure, a sys.path order, and environment variables into a single
// Profile CAS object, addressed so that two semantically identical inputs always produce the
// same OID regardless of insertion order.
package profile

import (
	"context"
	"fmt"
	"sort"

	"github.com/pxdev/px/pkg/cas"
)

// Input is the Profile Builder's request (spec §4.6).
type Input struct {
	RuntimeOID string
	Packages   []cas.ProfilePackage
	// SysPathOrder, if non-empty, is the explicit sys.path OID order. An empty slice means
	// "order follows the (now-sorted) packages array", per spec §4.6.
	SysPathOrder []string
	EnvVars      map[string]string
}

// Build sorts the package closure deterministically by canonical name, stores the resulting
// Profile object in store, and returns its OID.
func Build(ctx context.Context, store *cas.Store, in Input) (string, error) {
	packages := append([]cas.ProfilePackage(nil), in.Packages...)
	sort.Slice(packages, func(i, j int) bool {
		if packages[i].Name != packages[j].Name {
			return packages[i].Name < packages[j].Name
		}
		return packages[i].PkgBuildOID < packages[j].PkgBuildOID
	})

	sysPath := in.SysPathOrder
	if len(sysPath) == 0 {
		sysPath = make([]string, 0, len(packages))
		for _, p := range packages {
			sysPath = append(sysPath, p.PkgBuildOID)
		}
	}

	obj := &cas.ProfileObject{
		RuntimeOID:   in.RuntimeOID,
		Packages:     packages,
		SysPathOrder: sysPath,
		EnvVars:      in.EnvVars,
	}

	oid, err := store.Write(ctx, obj)
	if err != nil {
		return "", fmt.Errorf("profile.Build: %w", err)
	}
	return oid, nil
}

// OID computes the OID Build would produce, without writing anything -- useful for comparing
// a candidate profile against the one recorded in state.json (spec §4.8 "State Guard").
func OID(in Input) (string, error) {
	packages := append([]cas.ProfilePackage(nil), in.Packages...)
	sort.Slice(packages, func(i, j int) bool {
		if packages[i].Name != packages[j].Name {
			return packages[i].Name < packages[j].Name
		}
		return packages[i].PkgBuildOID < packages[j].PkgBuildOID
	})
	sysPath := in.SysPathOrder
	if len(sysPath) == 0 {
		sysPath = make([]string, 0, len(packages))
		for _, p := range packages {
			sysPath = append(sysPath, p.PkgBuildOID)
		}
	}
	obj := &cas.ProfileObject{RuntimeOID: in.RuntimeOID, Packages: packages, SysPathOrder: sysPath, EnvVars: in.EnvVars}
	return cas.ComputeOID(obj)
}
