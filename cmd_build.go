// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/sandbox"
)

func init() {
	var (
		baseOS       string
		systemDeps   string
		capabilities []string
	)

	cmd := &cobra.Command{
		Use:   "build [flags]",
		Short: "Build a sandbox OCI image for the project's current lock and environment",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			assembly, err := buildSandboxImage(cmd, baseOS, systemDeps, capabilities)

			var details map[string]any
			if err == nil {
				details = map[string]any{
					"sbx_id":        assembly.SBXID,
					"oci_dir":       assembly.OCIDir,
					"layer_digests": assembly.LayerDigests,
				}
			}
			outcome := cliutil.Outcome("sandbox image built", details, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&baseOS, "base", "", "path to a base-OS rootfs directory (overrides [tool.px.sandbox].base)")
	cmd.Flags().StringVar(&systemDeps, "system-deps", "", "path to a prebuilt system-deps rootfs directory")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability override, NAME or -NAME to disable")
	argparser.AddCommand(cmd)
}

// buildSandboxImage resolves the project's current lock into a materialized environment and
// assembles a three-layer sandbox OCI image from it (spec §4.10 "Image assembly"). Shared by
// `px build` and `px pack image`, which are the same operation under two names.
func buildSandboxImage(cmd *cobra.Command, baseOS, systemDeps string, capabilities []string) (sandbox.Assembly, error) {
	ctx := cmd.Context()
	pctx := currentPxCtx()
	dir := mustProjectDir()

	snap, err := loadSnapshot(dir, nil)
	if err != nil {
		return sandbox.Assembly{}, err
	}
	lock, err := loadLockfile(dir)
	if err != nil {
		return sandbox.Assembly{}, err
	}
	if lock == nil {
		return sandbox.Assembly{}, missingLockError()
	}

	base := baseOS
	if base == "" {
		base = snap.PxOptions.Sandbox.Base
	}
	overrides := parseCapabilityOverrides(append(snap.PxOptions.Sandbox.Capabilities, capabilities...))

	store, err := openStore(ctx, pctx)
	if err != nil {
		return sandbox.Assembly{}, err
	}
	exe := runtimeExe(pctx)
	runtimeOID, err := ensureRuntime(ctx, store, exe)
	if err != nil {
		return sandbox.Assembly{}, err
	}
	envDir, err := materializeLock(ctx, pctx, store, dir, snap, lock, runtimeOID)
	if err != nil {
		return sandbox.Assembly{}, err
	}

	fragments, err := sandbox.ScanSharedLibraryFragments(filepath.Join(envDir, "lib"))
	if err != nil {
		return sandbox.Assembly{}, err
	}
	names := make([]string, 0, len(lock.Resolved))
	for _, e := range lock.Resolved {
		names = append(names, e.Name)
	}
	caps, err := sandbox.InferCapabilities(names, fragments, overrides)
	if err != nil {
		return sandbox.Assembly{}, err
	}

	systemDepNames := make([]string, 0, len(lock.Resolved))
	for _, e := range lock.Resolved {
		systemDepNames = append(systemDepNames, e.Name+"=="+e.Version)
	}

	def := sandbox.Definition{
		BaseOSOID:    base,
		Capabilities: caps,
		ProfileOID:   lock.LockID,
		SystemDeps:   systemDepNames,
		SBXVersion:   1,
	}
	return sandbox.Build(def, base, systemDeps, envDir, pctx.SandboxStore)
}

// parseCapabilityOverrides turns ["postgres", "-xml"] style entries into an override map,
// the form sandbox.InferCapabilities expects (spec §4.10 "Capabilities" (c) overrides).
func parseCapabilityOverrides(entries []string) map[string]bool {
	out := map[string]bool{}
	for _, e := range entries {
		if strings.HasPrefix(e, "-") {
			out[strings.TrimPrefix(e, "-")] = false
		} else if e != "" {
			out[e] = true
		}
	}
	return out
}

func missingLockError() error {
	return &pxerr.UserError{
		Reason:  pxerr.ReasonMissingLock,
		Message: "no px.lock found",
		Hint:    "run `px sync` first",
	}
}
