// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/datawire/dlib/dexec"
	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/lockfile"
	"github.com/pxdev/px/pkg/planner"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/python/pep425"
	"github.com/pxdev/px/pkg/state"
)

func init() {
	var strict bool
	cmd := &cobra.Command{
		Use:                "run [flags] TARGET [ARGS...]",
		Short:              "Run a target inside the project's managed environment",
		Args:               cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()
			target, rest := args[0], args[1:]

			err := func() error {
				if planner.IsPipMutation(target, rest) {
					return planner.RefusePipMutation(target)
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
				report, err := state.StateOrViolation(ctx, store, dir, snap, env, tagSupportOf(tags))
				if err != nil {
					return err
				}
				mode, err := state.GuardForExecution(strict, report, "run")
				if err != nil {
					return err
				}
				if mode == state.ModeAutoSync {
					lock, err := resolveAndLock(ctx, pctx, dir, snap, nil)
					if err != nil {
						return err
					}
					runtimeOID, err := ensureRuntime(ctx, store, exe)
					if err != nil {
						return err
					}
					if _, err := materializeLock(ctx, pctx, store, dir, snap, lock, runtimeOID); err != nil {
						return err
					}
				}

				f, err := state.Load(dir)
				if err != nil {
					return err
				}
				if f == nil || f.CurrentEnv == nil {
					return &pxerr.UserError{Reason: pxerr.ReasonMissingEnv, Message: "no materialized environment", Hint: "run `px sync`"}
				}

				classification := planner.Classify(target, dir, nil, fileExistsFn, firstLinesFn)
				_ = classification // CAS-native execution is not implemented by this build; always run materialized.

				argv := planner.BuildArgv(target, rest, dir, fileExistsFn)
				runCmd := dexec.CommandContext(ctx, f.CurrentEnv.Python.Path, argv...)
				runCmd.Dir = dir
				runCmd.Env = os.Environ()
				runCmd.Stdin, runCmd.Stdout, runCmd.Stderr = os.Stdin, os.Stdout, os.Stderr
				return runCmd.Run()
			}()

			outcome := cliutil.Outcome("", map[string]any{"target": target}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail instead of auto-syncing a stale lock/environment")
	argparser.AddCommand(cmd)
}

func fileExistsFn(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstLinesFn(path string) string {
	bs, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(bs) > 4096 {
		bs = bs[:4096]
	}
	return string(bs)
}

func tagSupportOf(tags pep425.Installer) lockfile.TagSupport {
	return func(pythonTag, abiTag, platformTag string) bool {
		return tags.Supports(pep425.Tag{Python: pythonTag, ABI: abiTag, Platform: platformTag})
	}
}
