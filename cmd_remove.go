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
		Use:   "remove [flags] PACKAGE",
		Short: "Remove a dependency from the project and re-lock",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()

			err := func() error {
				if err := removeDependency(dir, args[0]); err != nil {
					return err
				}
				snap, err := loadSnapshot(dir, nil)
				if err != nil {
					return err
				}
				lock, err := resolveAndLock(ctx, pctx, dir, snap, nil)
				if err != nil {
					return err
				}
				if lockOnly {
					return nil
				}
				store, err := openStore(ctx, pctx)
				if err != nil {
					return err
				}
				runtimeOID, err := ensureRuntime(ctx, store, runtimeExe(pctx))
				if err != nil {
					return err
				}
				_, err = materializeLock(ctx, pctx, store, dir, snap, lock, runtimeOID)
				return err
			}()

			outcome := cliutil.Outcome("removed "+args[0], map[string]any{"package": args[0]}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&lockOnly, "lock-only", false, "write the manifest and lock but skip materializing an environment")
	argparser.AddCommand(cmd)
}
