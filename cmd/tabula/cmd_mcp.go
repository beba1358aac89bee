package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/capability"
	"github.com/CopeeeTang/tabula/internal/mcp"
)

var version = "dev"

func newMCPCmd(f *rootFlags) *cobra.Command {
	var so sessionOptions
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve a session to MCP clients over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			orch, err := a.orchestrator(ctx, so, nil)
			if err != nil {
				return err
			}
			srv := mcp.New("tabula", version,
				mcp.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()),
				mcp.WithLogger(a.logger))
			registerMCP(srv, orch)
			a.logger.Info("mcp server ready", "session", orch.Session().ID)
			return srv.Serve(ctx)
		},
	}
	addSessionFlags(cmd, &so)
	return cmd
}

// registerMCP exposes the orchestrator's operations as MCP tools and its
// context as resources.
func registerMCP(srv *mcp.Server, orch *tabula.Orchestrator) {
	srv.AddTool(mcp.Tool{
		Name:        "ask_question",
		Description: "Answer a question about the loaded dataset by generating and running pandas code.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
		Run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Question string `json:"question"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			turn, err := orch.Ask(ctx, a.Question)
			if err != nil {
				return "", err
			}
			var b bytes.Buffer
			renderTurn(&b, turn, true)
			if turn.Status != tabula.StatusSucceeded {
				return "", errors.New(strings.TrimSpace(b.String()))
			}
			return b.String(), nil
		},
	})
	srv.AddTool(mcp.Tool{
		Name:        "check_code",
		Description: "Check Python code against the session's sandbox policy without running it.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`),
		Run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			v := capability.Check(ctx, a.Code, orch.Session().Context.Policy())
			if !v.Allowed {
				return "", errors.New(v.String())
			}
			return v.String(), nil
		},
	})
	srv.AddTool(mcp.Tool{
		Name:        "context_status",
		Description: "Report context usage and session statistics.",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		Run: func(context.Context, json.RawMessage) (string, error) {
			var b bytes.Buffer
			renderStatus(&b, orch.ContextStatus())
			renderStats(&b, orch.Stats())
			return b.String(), nil
		},
	})

	srv.AddResource(mcp.Resource{
		URI:         "tabula://context",
		Name:        "dataset context",
		Description: "Dataset schema, sample rows and execution rules sent with every request.",
		MimeType:    "text/markdown",
		Read: func(context.Context) (string, error) {
			return orch.Session().Context.Text(), nil
		},
	})
	srv.AddResource(mcp.Resource{
		URI:         "tabula://history",
		Name:        "conversation history",
		Description: "Live turns and summaries of this session.",
		MimeType:    "text/markdown",
		Read: func(context.Context) (string, error) {
			return orch.Session().History.Render(), nil
		},
	})
}
