// Package cli implements the avesa operator commands: tenant and
// service administration, manual and backfill runs, job status, schema
// migrations, and the long-running server.
//
// Structured logs go to stderr; human-readable command output goes to
// stdout. The process exit code follows the run outcome: 0 success,
// 1 partial, 2 failed, 3 usage error, 4 state store unreachable.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avesa-io/avesa/internal/version"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitPartial     = 1
	ExitFailed      = 2
	ExitUsage       = 3
	ExitUnreachable = 4
)

// codedError carries a specific process exit code up to Execute.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &codedError{code: ExitUsage, err: fmt.Errorf(format, args...)}
}

func exitWith(code int, format string, args ...any) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return classify(err)
	}
	return ExitSuccess
}

func classify(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	if errors.Is(err, errStateStoreUnreachable) {
		return ExitUnreachable
	}
	// Cobra reports unknown subcommands as plain errors.
	if strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUsage
	}
	return ExitFailed
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "avesa",
		Short: "AVESA multi-tenant ingestion pipeline",
		Long: `AVESA ingests data from tenant source systems into a canonical
warehouse. Runs fan out over tenants, tables, and time-window chunks;
all progress is durable, so interrupted runs resume where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flag parse failures are usage errors, not runtime failures.
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%s", err)
	})

	root.AddCommand(
		newTenantCommand(),
		newServiceCommand(),
		newSecretCommand(),
		newRunCommand(),
		newBackfillCommand(),
		newStatusCommand(),
		newMigrateCommand(),
		newServeCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "avesa %s (commit: %s, built: %s)\n",
				version.Version, version.GitCommit, version.BuildTime)
		},
	}
}
