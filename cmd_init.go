// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
)

func init() {
	var name, requiresPython string
	cmd := &cobra.Command{
		Use:   "init [flags] [DIR]",
		Short: "Create a new px project",
		Args:  cliutil.WrapPositionalArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := mustProjectDir()
			if len(args) == 1 {
				dir = args[0]
			}
			outcome := cliutil.Outcome("project initialized", map[string]any{"dir": dir}, runInit(dir, name, requiresPython))
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the directory name)")
	cmd.Flags().StringVar(&requiresPython, "python", ">=3.9", "requires-python specifier")
	argparser.AddCommand(cmd)
}

func runInit(dir, name, requiresPython string) error {
	if name == "" {
		name = filepath.Base(dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("px init: %w", err)
	}
	path := filepath.Join(dir, "pyproject.toml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("px init: %s already exists", path)
	}
	body := fmt.Sprintf("[project]\nname = %q\nversion = \"0.0.0\"\nrequires-python = %q\ndependencies = []\n", name, requiresPython)
	return os.WriteFile(path, []byte(body), 0o644)
}
