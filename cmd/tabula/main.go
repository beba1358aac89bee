// Command tabula answers natural-language questions about a CSV file by
// generating, checking and running pandas code.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:           "tabula",
		Short:         "Ask questions about tabular data",
		Long:          "tabula turns questions about a CSV file into pandas code, checks the code against a capability policy, runs it in a restricted Python process and repairs failures.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", os.Getenv("TABULA_CONFIG"), "config file (default tabula.toml)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newAskCmd(&f),
		newChatCmd(&f),
		newCheckCmd(&f),
		newSessionsCmd(&f),
		newMCPCmd(&f),
	)
	return root
}
