// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/datawire/dlib/dexec"

	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/state"
)

// VerifyOptions gates the re-verification Run performs before every invocation (spec §4.10:
// "re-verify env matches lock (may auto-repair from the lock without re-resolving)").
type VerifyOptions struct {
	// Repair is called when the on-disk env no longer matches state.json's recorded lock,
	// to rematerialize from the existing lock without a full re-resolve. May be nil.
	Repair func(ctx context.Context, projectDir string) error
}

// Load resolves the installed tool's current state (spec §4.10: "On run: resolve the
// installed tool").
func Load(projectDir string) (*state.CurrentEnv, error) {
	f, err := state.Load(projectDir)
	if err != nil {
		return nil, err
	}
	if f == nil || f.CurrentEnv == nil {
		return nil, &pxerr.UserError{
			Reason:  pxerr.ReasonMissingEnv,
			Message: "tool is not installed",
			Hint:    "run `px tool install` first",
		}
	}
	return f.CurrentEnv, nil
}

// Run executes either `python -m <entry>` or, when console is true, a console-script target
// via `importlib.import_module` (spec §4.10's run sequence). runtimeSite is the runtime's own
// site-packages directory, appended after the tool's own site for PYTHONPATH.
func Run(ctx context.Context, env *state.CurrentEnv, runtimeSite, entry string, console bool, args []string) error {
	exe := env.Python.Path

	pythonPath := env.SitePackages
	if runtimeSite != "" {
		pythonPath = pythonPath + string(os.PathListSeparator) + runtimeSite
	}

	var cmdArgs []string
	if console {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return &pxerr.UserError{Reason: pxerr.ReasonInvalidRequirement, Message: fmt.Sprintf("console entry %q is not module:func", entry)}
		}
		code := fmt.Sprintf("import importlib,sys; m=importlib.import_module(%q); sys.exit(m.%s())", parts[0], parts[1])
		cmdArgs = append([]string{"-c", code}, args...)
	} else {
		cmdArgs = append([]string{"-m", entry}, args...)
	}

	cmd := dexec.CommandContext(ctx, exe, cmdArgs...)
	cmd.Env = append(os.Environ(), "PYTHONPATH="+pythonPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
