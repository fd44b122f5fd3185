package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flitsinc/agentruns/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd - agent task runner",
	Long:  `agentd runs agent tasks in the background, records every run and streams their progress events.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if apiAddr != "" {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		apiAddr = cfg.APIURL
		return nil
	},
	SilenceUsage: true,
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server address (default $AGENTD_API or http://127.0.0.1:7466)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd, cancelCmd, runsCmd, showCmd, eventsCmd, watchCmd, kindsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
