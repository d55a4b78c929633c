// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
)

func init() {
	var group string
	var lockOnly bool
	cmd := &cobra.Command{
		Use:   "add [flags] REQUIREMENT",
		Short: "Add a dependency to the project and re-lock",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()

			err := func() error {
				if err := addDependency(dir, args[0], group); err != nil {
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

			outcome := cliutil.Outcome("added "+args[0], map[string]any{"requirement": args[0], "group": group}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "add to this optional-dependencies group instead of the prod set")
	cmd.Flags().BoolVar(&lockOnly, "lock-only", false, "write the manifest and lock but skip materializing an environment")
	argparser.AddCommand(cmd)
}
