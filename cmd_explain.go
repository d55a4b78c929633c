// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/planner"
	"github.com/pxdev/px/pkg/state"
)

func init() {
	var strict bool
	cmd := &cobra.Command{
		Use:   "explain {run|entrypoint} TARGET",
		Short: "Show what `px run` would do for a target without executing it",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()
			subcmd, target := args[0], args[1]

			var details map[string]any
			err := func() error {
				if subcmd != "run" && subcmd != "entrypoint" {
					return fmt.Errorf("explain: unknown mode %q, want run or entrypoint", subcmd)
				}

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
				mode, guardErr := state.GuardForExecution(strict, report, "run")

				classification := planner.Classify(target, dir, nil, fileExistsFn, firstLinesFn)
				modeDecision, selectErr := planner.SelectMode(false, strict, planner.VerificationOutcome{
					MissingArtifacts: !report.Canonical,
				})
				argv := planner.BuildArgv(target, nil, dir, fileExistsFn)
				isPipMutation := planner.IsPipMutation(target, nil)

				details = map[string]any{
					"target":            target,
					"classification":    classification.String(),
					"guard_mode":        guardModeString(mode),
					"engine_mode":       engineModeString(modeDecision.Mode),
					"fallback_reason":   string(modeDecision.Fallback),
					"argv":              argv,
					"is_pip_mutation":   isPipMutation,
					"would_need_resync": mode != state.ModeStrict,
				}
				if guardErr != nil {
					details["guard_error"] = guardErr.Error()
				}
				if selectErr != nil {
					details["engine_error"] = selectErr.Error()
				}
				return nil
			}()

			outcome := cliutil.Outcome(fmt.Sprintf("explained %s %s", subcmd, target), details, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "explain as if --strict were passed to `px run`")
	argparser.AddCommand(cmd)
}

func guardModeString(m state.Mode) string {
	if m == state.ModeStrict {
		return "strict"
	}
	return "auto_sync"
}

func engineModeString(m planner.Mode) string {
	if m == planner.ModeCasNative {
		return "cas_native"
	}
	return "materialized_env"
}
