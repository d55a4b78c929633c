// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
)

func init() {
	var lockOnly bool
	cmd := &cobra.Command{
		Use:   "update [flags] [PACKAGE...]",
		Short: "Re-resolve the project's dependencies and re-materialize the environment",
		Args:  cliutil.WrapPositionalArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()

			envDir, err := func() (string, error) {
				snap, err := loadSnapshot(dir, nil)
				if err != nil {
					return "", err
				}
				lock, err := resolveAndLock(ctx, pctx, dir, snap, nil)
				if err != nil {
					return "", err
				}
				if lockOnly {
					return "", nil
				}
				store, err := openStore(ctx, pctx)
				if err != nil {
					return "", err
				}
				runtimeOID, err := ensureRuntime(ctx, store, runtimeExe(pctx))
				if err != nil {
					return "", err
				}
				return materializeLock(ctx, pctx, store, dir, snap, lock, runtimeOID)
			}()

			outcome := cliutil.Outcome("dependencies updated", map[string]any{"env": envDir, "targets": args}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&lockOnly, "lock-only", false, "write px.lock but skip materializing an environment")
	argparser.AddCommand(cmd)
}
