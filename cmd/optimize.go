package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var optimizeDataset string

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Process the optimization queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "optimize")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.runBatch(ctx, env.datasetOr(optimizeDataset))
		if summary != nil {
			if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
				return perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "optimize")
		}
		return nil
	},
}

func init() {
	optimizeCmd.Flags().StringVar(&optimizeDataset, "dataset", "", "dataset id (default from config)")
	rootCmd.AddCommand(optimizeCmd)
}
