// fabricd runs the coordination fabric daemon: transport, state store, task
// queue, and agent registry assembled from one YAML config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/fabric/config"
)

func main() {
	root := &cobra.Command{
		Use:           "fabricd",
		Short:         "Coordination fabric daemon for autonomous agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fabricd:", err)
		os.Exit(1)
	}
}

func newCheckConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate a fabric config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: transport=%s store=%s\n",
				cfg.Transport.Name, cfg.Store.Driver)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "fabric.yaml", "path to config file")
	return cmd
}
