// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/resolve"
)

func init() {
	cmd := &cobra.Command{
		Use:   "why PACKAGE",
		Short: "Show which resolved packages directly require a package",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := mustProjectDir()
			name := resolve.CanonicalizeName(args[0])

			var dependents []string
			err := func() error {
				lock, err := loadLockfile(dir)
				if err != nil {
					return err
				}
				if lock == nil {
					return &pxerr.UserError{Reason: pxerr.ReasonMissingLock, Message: "no px.lock", Hint: "run `px sync`"}
				}
				found := false
				for _, e := range lock.Resolved {
					if resolve.CanonicalizeName(e.Name) == name {
						found = true
						break
					}
				}
				if !found {
					return &pxerr.UserError{Reason: pxerr.ReasonResolveNoMatch, Message: args[0] + " is not in px.lock"}
				}
				for _, e := range lock.Resolved {
					for _, req := range e.Requires {
						if resolve.CanonicalizeName(req) == name {
							if e.Direct {
								dependents = append(dependents, e.Name+" (direct)")
							} else {
								dependents = append(dependents, e.Name)
							}
						}
					}
				}
				sort.Strings(dependents)
				return nil
			}()

			message := args[0] + " is a direct dependency"
			if len(dependents) > 0 {
				message = args[0] + " is required by: " + joinComma(dependents)
			}
			outcome := cliutil.Outcome(message, map[string]any{"package": args[0], "required_by": dependents}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}
	argparser.AddCommand(cmd)
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
