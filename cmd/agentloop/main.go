// Command agentloop answers questions by planning tool calls, running them
// and reflecting on the results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/itsneelabh/agentloop/ai/providers/anthropic"
	_ "github.com/itsneelabh/agentloop/ai/providers/gemini"
	_ "github.com/itsneelabh/agentloop/ai/providers/mock"
	_ "github.com/itsneelabh/agentloop/ai/providers/openai"
)

type globalFlags struct {
	configPath string
	logLevel   string
	mock       bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "agentloop",
		Short: "Plan, execute and reflect over tool calls to answer questions",
		Long: `agentloop runs a plan -> execute -> reflect loop over a set of tools.

Configuration comes from defaults, AGENTLOOP_* environment variables and an
optional JSON or YAML file (--config), in that order of precedence.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a JSON or YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.mock, "mock", false, "Use the offline mock model provider")

	root.AddCommand(newServeCmd(flags), newAskCmd(flags), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
