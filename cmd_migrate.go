// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/migrate"
)

func init() {
	var sources, devSources []string
	var apply, online, lockOnly, allowDirty, noAutopin, migrateForeignOwned bool

	cmd := &cobra.Command{
		Use:   "migrate [flags]",
		Short: "Onboard an existing pip/poetry/pdm-managed project onto px",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()
			pctx := currentPxCtx()

			var plan *migrate.Plan
			err := func() error {
				var explicit []migrate.Package
				for _, s := range sources {
					explicit = append(explicit, migrate.Package{Name: leadingRequirementName(s), Specifier: s, Scope: migrate.ScopeProd, SourcePath: "--source"})
				}
				for _, s := range devSources {
					explicit = append(explicit, migrate.Package{Name: leadingRequirementName(s), Specifier: s, Scope: migrate.ScopeDev, SourcePath: "--dev-source"})
				}

				var pyprojectPkgs []migrate.Package
				var foreign []migrate.ForeignTool
				if p := filepath.Join(dir, "pyproject.toml"); fileExistsFn(p) {
					var err error
					pyprojectPkgs, foreign, err = migrate.CollectFromPyproject(p)
					if err != nil {
						return err
					}
				}

				var requirementsPkgs []migrate.Package
				for _, name := range []string{"requirements.txt", "requirements-dev.txt"} {
					p := filepath.Join(dir, name)
					if !fileExistsFn(p) {
						continue
					}
					scope := migrate.ScopeProd
					if name == "requirements-dev.txt" {
						scope = migrate.ScopeDev
					}
					pkgs, err := migrate.CollectFromRequirementsTxt(p, scope)
					if err != nil {
						return err
					}
					requirementsPkgs = append(requirementsPkgs, pkgs...)
				}
				if p := filepath.Join(dir, "setup.cfg"); fileExistsFn(p) {
					pkgs, err := migrate.CollectFromSetupCfg(p)
					if err != nil {
						return err
					}
					requirementsPkgs = append(requirementsPkgs, pkgs...)
				}

				var err error
				plan, err = migrate.BuildPlan(explicit, pyprojectPkgs, requirementsPkgs, foreign, migrateForeignOwned)
				if err != nil {
					return err
				}

				if !apply {
					return nil
				}

				pipeline := migrate.Pipeline{
					Resolve: func(ctx context.Context, projectDir string, autopin bool) (map[string]string, error) {
						snap, err := loadSnapshot(projectDir, nil)
						if err != nil {
							return nil, err
						}
						lock, err := resolveAndLock(ctx, pctx, projectDir, snap, nil)
						if err != nil {
							return nil, err
						}
						pinned := map[string]string{}
						for _, r := range lock.Resolved {
							pinned[r.Name] = r.Version
						}
						return pinned, nil
					},
					Materialize: func(ctx context.Context, projectDir string) error {
						snap, err := loadSnapshot(projectDir, nil)
						if err != nil {
							return err
						}
						lock, err := loadLockfile(projectDir)
						if err != nil {
							return err
						}
						store, err := openStore(ctx, pctx)
						if err != nil {
							return err
						}
						runtimeOID, err := ensureRuntime(ctx, store, runtimeExe(pctx))
						if err != nil {
							return err
						}
						_, err = materializeLock(ctx, pctx, store, projectDir, snap, lock, runtimeOID)
						return err
					},
				}
				return migrate.Apply(ctx, dir, plan, migrate.ApplyOptions{
					Online: online, LockOnly: lockOnly, AllowDirty: allowDirty, NoAutopin: noAutopin,
				}, pipeline)
			}()

			var details map[string]any
			if plan != nil {
				details = map[string]any{
					"packages":      len(plan.Packages),
					"conflicts":     plan.Conflicts,
					"foreign_tools": plan.ForeignTools,
					"applied":       apply,
				}
			}
			message := "migration plan built"
			if apply && err == nil {
				message = "migration applied"
			}
			outcome := cliutil.Outcome(message, details, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	cmd.Flags().StringArrayVar(&sources, "source", nil, "treat this requirement as authoritative (prod)")
	cmd.Flags().StringArrayVar(&devSources, "dev-source", nil, "treat this requirement as authoritative (dev)")
	cmd.Flags().BoolVar(&apply, "apply", false, "write pyproject.toml/px.lock instead of only previewing")
	cmd.Flags().BoolVar(&online, "online", false, "allow network access while resolving")
	cmd.Flags().BoolVar(&lockOnly, "lock-only", false, "write px.lock but skip materializing")
	cmd.Flags().BoolVar(&allowDirty, "allow-dirty", false, "apply even with a dirty git worktree")
	cmd.Flags().BoolVar(&noAutopin, "no-autopin", false, "accepted but has no effect: specifiers are written as collected and never rewritten to resolved pins")
	cmd.Flags().BoolVar(&migrateForeignOwned, "migrate-foreign-owned", false, "proceed even though a foreign tool (poetry/pdm/...) owns dependencies")
	argparser.AddCommand(cmd)
}
