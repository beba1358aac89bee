package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CopeeeTang/tabula"
)

func newAskCmd(f *rootFlags) *cobra.Command {
	var (
		so       sessionOptions
		showCode bool
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question about a dataset",
		Example: `  tabula ask --data sales.csv "Which region had the highest revenue?"
  tabula ask --session 9f3c... "Now plot it by month"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			question := strings.Join(args, " ")

			a, err := loadApp(ctx, f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var hook tabula.TransitionFunc
			if !quiet {
				hook = progress(cmd.ErrOrStderr())
			}
			orch, err := a.orchestrator(ctx, so, hook)
			if err != nil {
				return err
			}
			turn, err := orch.Ask(ctx, question)
			if err != nil {
				return err
			}
			renderTurn(cmd.OutOrStdout(), turn, showCode)
			if a.store != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", orch.Session().ID)
			}
			if turn.Status != tabula.StatusSucceeded {
				return errQuestionFailed
			}
			return nil
		},
	}
	addSessionFlags(cmd, &so)
	cmd.Flags().BoolVar(&showCode, "code", false, "print the code that produced the answer")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not report progress")
	return cmd
}

var errQuestionFailed = errors.New("question could not be answered")

func addSessionFlags(cmd *cobra.Command, so *sessionOptions) {
	cmd.Flags().StringVarP(&so.datasetPath, "data", "d", "", "CSV file to analyze")
	cmd.Flags().StringVarP(&so.sessionID, "session", "s", "", "resume a stored session")
}
