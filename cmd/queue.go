package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/model"
)

var (
	queueProduct string
	queueModel   string
	queueDataset string
	queueReason  string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the optimization queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue a product (all stale models, or one model)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if queueProduct == "" {
			return eris.New("--product is required")
		}

		env, err := initEnv(ctx, "queue")
		if err != nil {
			return err
		}
		defer env.Close()

		var added int
		if queueModel != "" {
			if _, ok := env.Registry.Get(queueModel); !ok {
				return eris.Errorf("unknown model %q", queueModel)
			}
			added, err = env.Store.Enqueue(ctx, []model.QueueItem{{
				ProductID: queueProduct, ModelID: queueModel, Reason: queueReason,
			}})
		} else {
			added, err = env.enqueueStale(ctx, env.datasetOr(queueDataset), []string{queueProduct}, queueReason)
		}
		if err != nil {
			return eris.Wrap(err, "queue add")
		}

		zap.L().Info("queued", zap.String("product_id", queueProduct), zap.Int("added", added))
		return printJSON(cmd.OutOrStdout(), map[string]int{"added": added})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending queue items in order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "queue")
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.Store.DequeueCombinations(ctx)
		if err != nil {
			return eris.Wrap(err, "queue list")
		}
		if items == nil {
			items = []model.QueueItem{}
		}
		return printJSON(cmd.OutOrStdout(), items)
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a product, or one of its pairs, from the queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if queueProduct == "" {
			return eris.New("--product is required")
		}

		env, err := initEnv(ctx, "queue")
		if err != nil {
			return err
		}
		defer env.Close()

		var removed int
		if queueModel != "" {
			removed, err = env.Store.RemovePairs(ctx, []model.Pair{{ProductID: queueProduct, ModelID: queueModel}})
		} else {
			removed, err = env.Store.RemoveProducts(ctx, []string{queueProduct})
		}
		if err != nil {
			return eris.Wrap(err, "queue remove")
		}
		return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
	},
}

func init() {
	for _, c := range []*cobra.Command{queueAddCmd, queueRemoveCmd} {
		c.Flags().StringVar(&queueProduct, "product", "", "product id (required)")
		c.Flags().StringVar(&queueModel, "model", "", "model id (default all)")
	}
	queueAddCmd.Flags().StringVar(&queueDataset, "dataset", "", "dataset id (default from config)")
	queueAddCmd.Flags().StringVar(&queueReason, "reason", "manual", "why the pair is queued")

	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueRemoveCmd)
	rootCmd.AddCommand(queueCmd)
}
