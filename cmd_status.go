// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
)

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the project's lock and environment are canonical",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()

			var details map[string]any
			err := func() error {
				snap, err := loadSnapshot(dir, nil)
				if err != nil {
					return err
				}
				exe := runtimeExe(pctx)
				env, tags, err := markerEnvAndTags(ctx, exe)
				if err != nil {
					return err
				}
				store, err := openStore(ctx, pctx)
				if err != nil {
					return err
				}
				report, err := stateOrViolationReport(ctx, store, dir, snap, env, tags)
				if err != nil {
					return err
				}
				details = map[string]any{
					"lock_exists":    report.LockExists,
					"manifest_clean": report.ManifestClean,
					"env_exists":     report.EnvExists,
					"env_clean":      report.EnvClean,
					"canonical":      report.Canonical,
					"lock_id":        report.LockID,
				}
				return nil
			}()

			message := "project is canonical"
			if details != nil && details["canonical"] == false {
				message = "project drifted from its lock/environment; run `px sync`"
			}
			outcome := cliutil.Outcome(message, details, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	argparser.AddCommand(cmd)
}
