package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	ensureProduct string
	ensureModel   string
	ensureDataset string
)

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Return current parameters for a pair, optimizing only if needed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ensureProduct == "" || ensureModel == "" {
			return eris.New("--product and --model are required")
		}

		env, err := initEnv(ctx, "ensure")
		if err != nil {
			return err
		}
		defer env.Close()

		params, err := env.Processor.EnsureOptimized(ctx, env.datasetOr(ensureDataset), ensureProduct, ensureModel)
		if err != nil {
			return eris.Wrap(err, "ensure")
		}
		return printJSON(cmd.OutOrStdout(), params)
	},
}

func init() {
	ensureCmd.Flags().StringVar(&ensureProduct, "product", "", "product id (required)")
	ensureCmd.Flags().StringVar(&ensureModel, "model", "", "model id (required)")
	ensureCmd.Flags().StringVar(&ensureDataset, "dataset", "", "dataset id (default from config)")
	rootCmd.AddCommand(ensureCmd)
}
