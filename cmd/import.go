package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/ingest"
	"github.com/sells-group/forecast-tuner/internal/model"
)

var (
	importFile    string
	importSheet   string
	importDataset string
	importEnqueue bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import observations from a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if importFile == "" {
			return eris.New("--file is required")
		}

		var res *ingest.Result
		var err error
		if importSheet != "" {
			res, err = ingest.ReadXLSX(importFile, importSheet)
		} else {
			res, err = ingest.ReadFile(importFile)
		}
		if err != nil {
			return eris.Wrap(err, "read file")
		}

		env, err := initEnv(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		datasetID := env.datasetOr(importDataset)
		saved, err := env.Store.SaveObservations(ctx, datasetID, res.Observations)
		if err != nil {
			return eris.Wrap(err, "save observations")
		}

		queued := 0
		if importEnqueue {
			queued, err = env.enqueueStale(ctx, datasetID, products(res.Observations), "import")
			if err != nil {
				return eris.Wrap(err, "enqueue imported products")
			}
		}

		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.String("dataset_id", datasetID),
			zap.Int("rows", res.Rows),
			zap.Int("saved", saved),
			zap.Int("skipped", res.Skipped),
			zap.Int("queued", queued),
		)
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"dataset_id": datasetID,
			"rows":       res.Rows,
			"saved":      saved,
			"skipped":    res.Skipped,
			"errors":     res.Errors,
			"queued":     queued,
		})
	},
}

// products lists the distinct product IDs of obs in order of appearance.
func products(obs []model.Observation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range obs {
		if !seen[o.ProductID] {
			seen[o.ProductID] = true
			out = append(out, o.ProductID)
		}
	}
	return out
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to a CSV or XLSX file (required)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().StringVar(&importDataset, "dataset", "", "dataset id (default from config)")
	importCmd.Flags().BoolVar(&importEnqueue, "enqueue", true, "queue products whose cached parameters are stale")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
