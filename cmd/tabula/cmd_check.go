package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/CopeeeTang/tabula/capability"
	"github.com/CopeeeTang/tabula/internal/config"
)

var errDenied = errors.New("code denied by policy")

func newCheckCmd(f *rootFlags) *cobra.Command {
	var showPolicy bool
	cmd := &cobra.Command{
		Use:   "check [file.py|-]",
		Short: "Run the capability analyzer on a Python file",
		Long:  "check parses the file and reports whether the sandbox policy from the config would allow it. The exit status is non-zero when the code is denied.",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			pol := policy(cfg.Sandbox)
			if showPolicy {
				fmt.Fprintln(cmd.OutOrStdout(), pol.Describe())
				if len(args) == 0 {
					return nil
				}
			}
			if len(args) == 0 {
				return errors.New("a file to check is required")
			}

			var src []byte
			if args[0] == "-" {
				src, err = io.ReadAll(cmd.InOrStdin())
			} else {
				src, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			v := capability.Check(cmd.Context(), string(src), pol)
			fmt.Fprintln(cmd.OutOrStdout(), v.String())
			if !v.Allowed {
				return errDenied
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPolicy, "policy", false, "print the effective policy")
	return cmd
}
