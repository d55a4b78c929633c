// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/lockfile"
	"github.com/pxdev/px/pkg/pxerr"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync [flags]",
		Short: "Materialize an environment matching px.lock, re-locking only if it's stale",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()

			envDir, err := func() (string, error) {
				snap, err := loadSnapshot(dir, nil)
				if err != nil {
					return "", err
				}

				exe := runtimeExe(pctx)
				env, _, err := markerEnvAndTags(ctx, exe)
				if err != nil {
					return "", err
				}

				lock, err := loadLockfile(dir)
				if err != nil {
					return "", err
				}
				if lock == nil || !lockfile.AnalyzeDiff(snap, lock, env).IsClean() {
					lock, err = resolveAndLock(ctx, pctx, dir, snap, nil)
					if err != nil {
						return "", err
					}
				}

				if issues := lockfile.ClosureIssues(lock, env); len(issues) > 0 {
					return "", &pxerr.UserError{Reason: pxerr.ReasonIncompleteLock, Message: issues[0], Details: map[string]any{"issues": issues}}
				}

				store, err := openStore(ctx, pctx)
				if err != nil {
					return "", err
				}
				runtimeOID, err := ensureRuntime(ctx, store, exe)
				if err != nil {
					return "", err
				}
				return materializeLock(ctx, pctx, store, dir, snap, lock, runtimeOID)
			}()

			outcome := cliutil.Outcome("environment synced", map[string]any{"env": envDir}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	argparser.AddCommand(cmd)
}

// loadLockfile reads and parses px.lock from dir, returning (nil, nil) if it doesn't exist.
func loadLockfile(dir string) (*lockfile.Lockfile, error) {
	raw, err := os.ReadFile(dir + "/px.lock")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return lockfile.Parse(raw)
}
