// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/tool"
)

func init() {
	packCmd := &cobra.Command{
		Use:   "pack {[flags]|SUBCOMMAND...}",
		Short: "Package the project for distribution, as a sandbox image or a standalone app bundle",
		Args:  cliutil.OnlySubcommands,
		RunE:  cliutil.RunSubcommands,
	}

	var (
		baseOS       string
		systemDeps   string
		capabilities []string
	)
	image := &cobra.Command{
		Use:   "image [flags]",
		Short: "Pack the project's materialized environment into a sandbox OCI image (alias of `px build`)",
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
	image.Flags().StringVar(&baseOS, "base", "", "path to a base-OS rootfs directory")
	image.Flags().StringVar(&systemDeps, "system-deps", "", "path to a prebuilt system-deps rootfs directory")
	image.Flags().StringSliceVar(&capabilities, "capability", nil, "capability override, NAME or -NAME to disable")

	app := &cobra.Command{
		Use:   "app [flags] OUT_DIR",
		Short: "Pack the project into a self-contained directory: materialized env + shim launchers",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pctx := currentPxCtx()
			dir := mustProjectDir()
			outDir := args[0]

			var binDir string
			err := func() error {
				snap, err := loadSnapshot(dir, nil)
				if err != nil {
					return err
				}
				lock, err := loadLockfile(dir)
				if err != nil {
					return err
				}
				if lock == nil {
					return missingLockError()
				}

				store, err := openStore(ctx, pctx)
				if err != nil {
					return err
				}
				exe := runtimeExe(pctx)
				runtimeOID, err := ensureRuntime(ctx, store, exe)
				if err != nil {
					return err
				}
				envDir, err := materializeLock(ctx, pctx, store, dir, snap, lock, runtimeOID)
				if err != nil {
					return err
				}

				siteDir := sitePackagesDir(envDir, runtimeVersionOf(lock))
				scripts, err := tool.ConsoleScripts(siteDir)
				if err != nil {
					return err
				}

				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
				binDir = filepath.Join(outDir, "bin")
				if err := os.MkdirAll(binDir, 0o755); err != nil {
					return err
				}
				return tool.WriteLaunchers(binDir, filepath.Join(envDir, "bin", "python"), siteDir, scripts)
			}()

			outcome := cliutil.Outcome("app packed", map[string]any{"out_dir": outDir, "bin_dir": binDir}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	packCmd.AddCommand(image, app)
	argparser.AddCommand(packCmd)
}
