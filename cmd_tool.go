// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/tool"
)

func init() {
	toolCmd := &cobra.Command{
		Use:   "tool {[flags]|SUBCOMMAND...}",
		Short: "Manage standalone tool environments",
		Args:  cliutil.OnlySubcommands,
		RunE:  cliutil.RunSubcommands,
	}

	install := &cobra.Command{
		Use:   "install [flags] REQUIREMENT",
		Short: "Install a CLI tool into its own isolated environment",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pctx := currentPxCtx()
			requirement := args[0]
			name := leadingRequirementName(requirement)

			var installed *tool.Installed
			err := func() error {
				exe := runtimeExe(pctx)
				info, err := markerEnvAndTagsInfo(ctx, exe)
				if err != nil {
					return err
				}

				pipeline := tool.InstallPipeline{
					Resolve: func(ctx context.Context, projectDir string) (string, error) {
						snap, err := loadSnapshot(projectDir, nil)
						if err != nil {
							return "", err
						}
						lock, err := resolveAndLock(ctx, pctx, projectDir, snap, nil)
						if err != nil {
							return "", err
						}
						return lock.LockID, nil
					},
					Materialize: func(ctx context.Context, projectDir, lockID string) (string, error) {
						snap, err := loadSnapshot(projectDir, nil)
						if err != nil {
							return "", err
						}
						lock, err := loadLockfile(projectDir)
						if err != nil {
							return "", err
						}
						store, err := openStore(ctx, pctx)
						if err != nil {
							return "", err
						}
						runtimeOID, err := ensureRuntime(ctx, store, exe)
						if err != nil {
							return "", err
						}
						return materializeLock(ctx, pctx, store, projectDir, snap, lock, runtimeOID)
					},
				}

				var err error
				installed, err = tool.Install(ctx, pctx.ToolsRoot, pctx.StoreRoot, info, exe, name, requirement, pipeline)
				return err
			}()

			var details map[string]any
			if installed != nil {
				details = map[string]any{
					"name": installed.Name, "bin_dir": installed.BinDir,
					"console_scripts": installed.ConsoleScripts,
				}
			}
			outcome := cliutil.Outcome("installed "+name, details, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	run := &cobra.Command{
		Use:                "run NAME -- [ARGS...]",
		Short:              "Run an installed tool's console script",
		Args:               cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pctx := currentPxCtx()
			name := args[0]
			rest := args[1:]

			err := func() error {
				dir := tool.ProjectDir(pctx.ToolsRoot, name)
				env, err := tool.Load(dir)
				if err != nil {
					return err
				}
				runtimeSite := filepath.Dir(env.SitePackages)
				return tool.Run(ctx, env, runtimeSite, name, true, rest)
			}()

			outcome := cliutil.Outcome("", map[string]any{"tool": name}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List installed tools",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			pctx := currentPxCtx()
			var names []string
			entries, _ := os.ReadDir(pctx.ToolsRoot)
			for _, e := range entries {
				if e.IsDir() {
					names = append(names, e.Name())
				}
			}
			outcome := cliutil.Outcome(fmt.Sprintf("%d tools installed", len(names)), map[string]any{"tools": names}, nil)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove an installed tool's mini-project",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			pctx := currentPxCtx()
			dir := tool.ProjectDir(pctx.ToolsRoot, args[0])
			err := os.RemoveAll(dir)
			outcome := cliutil.Outcome("removed "+args[0], map[string]any{"tool": args[0]}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	toolCmd.AddCommand(install, run, list, remove)
	argparser.AddCommand(toolCmd)
}

// markerEnvAndTagsInfo returns just the major.minor python version, the piece tool.Install
// needs for its store env id (spec §4.10: "tool-<name>-<py>-<lockprefix>").
func markerEnvAndTagsInfo(ctx context.Context, exe string) (string, error) {
	env, _, err := markerEnvAndTags(ctx, exe)
	if err != nil {
		return "", err
	}
	return env.PythonVersion, nil
}
