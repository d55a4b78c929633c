// Command px manages Python projects and their environments: a content-addressable package
// store, a lock -> plan -> environment pipeline, and a sandboxed execution planner.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/google/go-containerregistry/pkg/logs"
	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/pxctx"
)

var jsonOutput bool

var argparser = &cobra.Command{
	Use:   "px {[flags]|SUBCOMMAND...}",
	Short: "Manage Python projects, locks, and environments",

	Args: cliutil.OnlySubcommands,
	RunE: cliutil.RunSubcommands,

	SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
	SilenceUsage:  true, // our FlagErrorFunc will handle it
}

func init() {
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable ExecutionOutcome JSON")
}

// currentPxCtx builds the process-wide pxctx.Context from the environment (spec §9: "Only the
// CLI boundary ... is allowed to read environment variables to build one of these").
func currentPxCtx() *pxctx.Context {
	return pxctx.FromEnvironment()
}

func main() {
	ctx := context.Background()

	logs.Warn = dlog.StdLogger(ctx, dlog.LogLevelWarn)
	logs.Progress = dlog.StdLogger(ctx, dlog.LogLevelInfo)
	logs.Debug = dlog.StdLogger(ctx, dlog.LogLevelDebug)

	if err := argparser.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(argparser.ErrOrStderr(), "%s: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
