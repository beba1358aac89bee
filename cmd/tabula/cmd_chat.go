package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/dataset"
)

const chatHelp = `commands:
  /status         context usage
  /stats          question statistics
  /compact        summarize older turns now
  /reload [path]  reload the dataset (default: current file)
  /history        print the conversation history
  /quit           leave
anything else is asked as a question`

func newChatCmd(f *rootFlags) *cobra.Command {
	var (
		so       sessionOptions
		showCode bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask follow-up questions in an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			orch, err := a.orchestrator(ctx, so, progress(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			r := &repl{
				orch:     orch,
				out:      cmd.OutOrStdout(),
				errOut:   cmd.ErrOrStderr(),
				prompt:   interactive(cmd.InOrStdin()),
				showCode: showCode,
			}
			fmt.Fprintf(r.errOut, "session %s on %s (/help for commands)\n",
				orch.Session().ID, orch.Session().Context.Dataset().Name())
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	addSessionFlags(cmd, &so)
	cmd.Flags().BoolVar(&showCode, "code", false, "print the code behind each answer")
	return cmd
}

// interactive reports whether in is a terminal, in which case a prompt is shown.
func interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type repl struct {
	orch     *tabula.Orchestrator
	out      io.Writer
	errOut   io.Writer
	prompt   bool
	showCode bool
}

var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if r.prompt {
			fmt.Fprint(r.out, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		err := r.handle(ctx, line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			fmt.Fprintln(r.errOut, "error:", err)
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		turn, err := r.orch.Ask(ctx, line)
		if err != nil {
			return err
		}
		renderTurn(r.out, turn, r.showCode)
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/status":
		renderStatus(r.out, r.orch.ContextStatus())
	case "/stats":
		renderStats(r.out, r.orch.Stats())
	case "/history":
		for _, e := range r.orch.Session().History.Entries() {
			fmt.Fprintln(r.out, e.Render())
		}
	case "/compact":
		rep, err := r.orch.Compact(ctx)
		renderReport(r.out, rep)
		if err != nil {
			return err
		}
	case "/reload":
		path := strings.TrimSpace(arg)
		if path == "" {
			path = r.orch.Session().Context.Dataset().Path
		}
		ds, err := dataset.Load(ctx, path)
		if err != nil {
			return err
		}
		if err := r.orch.ReloadDataset(ds); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "reloaded %s: %d rows x %d columns\n", ds.Name(), ds.Schema.Rows, len(ds.Schema.Columns))
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}
