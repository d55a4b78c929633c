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
		Use:                "test [flags] [ARGS...]",
		Short:              "Run the project's test suite (`python -m pytest`) inside the managed environment",
		Args:               cliutil.WrapPositionalArgs(cobra.ArbitraryArgs),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := mustProjectDir()

			err := runInManagedEnv(ctx, dir, append([]string{"-m", "pytest"}, args...))

			outcome := cliutil.Outcome("", map[string]any{"args": args}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	argparser.AddCommand(cmd)
}
