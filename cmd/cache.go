package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/model"
)

var (
	cacheProduct    string
	cacheModel      string
	cacheDataset    string
	cacheParams     map[string]float64
	cacheConfidence float64
	cacheReasoning  string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and override cached parameters",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show cached entries for a product, or all entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cache")
		if err != nil {
			return err
		}
		defer env.Close()

		if cacheModel != "" {
			if cacheProduct == "" {
				return eris.New("--product is required with --model")
			}
			entry, err := env.Cache.Get(ctx, cacheProduct, cacheModel)
			if err != nil {
				return err
			}
			if entry == nil {
				return eris.Errorf("no cache entry for %s/%s", cacheProduct, cacheModel)
			}
			return printJSON(cmd.OutOrStdout(), entry)
		}

		entries, err := env.Cache.List(ctx, cacheProduct)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []model.CacheEntry{}
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

var cacheSetManualCmd = &cobra.Command{
	Use:   "set-manual",
	Short: "Pin manual parameters for a pair",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cacheProduct == "" || cacheModel == "" {
			return eris.New("--product and --model are required")
		}

		env, err := initEnv(ctx, "cache")
		if err != nil {
			return err
		}
		defer env.Close()

		params, err := env.manualParameters(ctx, env.datasetOr(cacheDataset), cacheProduct, cacheModel, cacheParams, cacheConfidence, cacheReasoning)
		if err != nil {
			return err
		}
		if err := env.Cache.Put(ctx, cacheProduct, cacheModel, model.MethodManual, params); err != nil {
			return err
		}

		zap.L().Info("manual parameters set",
			zap.String("product_id", cacheProduct),
			zap.String("model_id", cacheModel),
			zap.Any("parameters", params.Parameters),
		)
		entry, err := env.Cache.Get(ctx, cacheProduct, cacheModel)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

func init() {
	cacheShowCmd.Flags().StringVar(&cacheProduct, "product", "", "product id (default all)")
	cacheShowCmd.Flags().StringVar(&cacheModel, "model", "", "model id")

	cacheSetManualCmd.Flags().StringVar(&cacheProduct, "product", "", "product id (required)")
	cacheSetManualCmd.Flags().StringVar(&cacheModel, "model", "", "model id (required)")
	cacheSetManualCmd.Flags().StringVar(&cacheDataset, "dataset", "", "dataset id (default from config)")
	cacheSetManualCmd.Flags().StringToFloat64Var(&cacheParams, "param", nil, "parameter value, e.g. --param alpha=0.4")
	cacheSetManualCmd.Flags().Float64Var(&cacheConfidence, "confidence", 100, "confidence to record")
	cacheSetManualCmd.Flags().StringVar(&cacheReasoning, "reasoning", "", "note stored with the override")

	cacheCmd.AddCommand(cacheShowCmd, cacheSetManualCmd)
	rootCmd.AddCommand(cacheCmd)
}
