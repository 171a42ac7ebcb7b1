package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/orchestration"
)

func newAskCmd(flags *globalFlags) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question in the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			result := a.agent.Run(ctx, orchestration.RunRequest{
				Question: strings.Join(args, " "),
				UserID:   userID,
			}, &terminalSink{w: cmd.ErrOrStderr()})

			fmt.Fprintln(cmd.OutOrStdout(), result.Response)
			if !result.Success && result.Error != "" {
				return errors.New(result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID passed to tools")
	return cmd
}

// terminalSink prints progress lines to w.
type terminalSink struct {
	w io.Writer
}

func (s *terminalSink) Status(message string, phase core.Phase) {
	fmt.Fprintf(s.w, "[%s] %s\n", phase, message)
}

func (s *terminalSink) Error(message, code string, fatal bool) {
	fmt.Fprintf(s.w, "[error %s] %s\n", code, message)
}

func (s *terminalSink) End() {}
