// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/canon"
	"github.com/pxdev/px/pkg/cas"
	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/pxctx"
	"github.com/pxdev/px/pkg/pyruntime"
)

func init() {
	pythonCmd := &cobra.Command{
		Use:   "python {[flags]|SUBCOMMAND...}",
		Short: "Inspect and manage the Python runtimes px knows about",
		Args:  cliutil.OnlySubcommands,
		RunE:  cliutil.RunSubcommands,
	}

	info := &cobra.Command{
		Use:   "info",
		Short: "Show the interpreter px would use for this project",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pctx := currentPxCtx()
			exe := runtimeExe(pctx)

			env, tags, err := markerEnvAndTags(ctx, exe)
			details := map[string]any{"exe": exe}
			if err == nil {
				details["version"] = env.PythonFullVersion
				details["tags"] = len(tags)
			}
			outcome := cliutil.Outcome(fmt.Sprintf("using %s", exe), details, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Ingest the configured interpreter into the CAS as a Runtime object",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pctx := currentPxCtx()
			exe := runtimeExe(pctx)

			var oid string
			err := func() error {
				store, err := openStore(ctx, pctx)
				if err != nil {
					return err
				}
				oid, err = pyruntime.Ingest(ctx, store, exe)
				return err
			}()

			outcome := cliutil.Outcome("runtime ingested", map[string]any{"exe": exe, "runtime_oid": oid}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List Runtime objects already present in the CAS",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pctx := currentPxCtx()

			var oids []string
			err := func() error {
				store, err := openStore(ctx, pctx)
				if err != nil {
					return err
				}
				oids, err = listRuntimeOIDs(pctx, store)
				return err
			}()

			outcome := cliutil.Outcome(fmt.Sprintf("%d runtimes", len(oids)), map[string]any{"runtimes": oids}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	use := &cobra.Command{
		Use:   "use EXE",
		Short: "Pin PX_RUNTIME_PYTHON for this shell: `eval \"$(px python use EXE)\"`",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "export PX_RUNTIME_PYTHON=%q\n", args[0])
			return nil
		},
	}

	pythonCmd.AddCommand(info, install, list, use)
	argparser.AddCommand(pythonCmd)
}

// listRuntimeOIDs walks the CAS object shards, returning the OID of every Runtime object.
func listRuntimeOIDs(pctx *pxctx.Context, store *cas.Store) ([]string, error) {
	var oids []string
	err := filepath.WalkDir(pctx.ObjectsDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		oid := d.Name()
		kind, kErr := store.PeekKind(oid)
		if kErr == nil && kind == string(canon.KindRuntime) {
			oids = append(oids, oid)
		}
		return nil
	})
	return oids, err
}
