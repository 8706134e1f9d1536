package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/forecast-tuner/internal/batch"
	"github.com/sells-group/forecast-tuner/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for cache lookups and batch runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(ctx, env, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

// buildRouter wires the API routes. ctx bounds background batch runs.
func buildRouter(ctx context.Context, env *appEnv, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &handlers{ctx: ctx, env: env}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/cache/{productID}", h.listCache)
		r.Get("/cache/{productID}/{modelID}", h.getCache)
		r.Put("/cache/{productID}/{modelID}/manual", h.setManual)
		r.Get("/queue", h.listQueue)
		r.Post("/queue", h.enqueue)
		r.Delete("/queue/{productID}", h.dequeue)
		r.Post("/optimize", h.optimize)
		r.Get("/progress", h.progress)
		r.Post("/ensure/{productID}/{modelID}", h.ensure)
		r.Get("/needs", h.needs)
	})
	return r
}

type handlers struct {
	ctx context.Context
	env *appEnv

	// running is held from an accepted optimize request until its batch
	// returns.
	running atomic.Bool
}

func (h *handlers) listCache(w http.ResponseWriter, r *http.Request) {
	entries, err := h.env.Cache.List(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []model.CacheEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) getCache(w http.ResponseWriter, r *http.Request) {
	productID, modelID := chi.URLParam(r, "productID"), chi.URLParam(r, "modelID")
	entry, err := h.env.Cache.Get(r.Context(), productID, modelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, eris.Errorf("no cache entry for %s/%s", productID, modelID))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type manualRequest struct {
	DatasetID  string             `json:"dataset_id"`
	Parameters map[string]float64 `json:"parameters"`
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
}

func (h *handlers) setManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 100
	}

	ctx := r.Context()
	productID, modelID := chi.URLParam(r, "productID"), chi.URLParam(r, "modelID")
	params, err := h.env.manualParameters(ctx, h.env.datasetOr(req.DatasetID), productID, modelID, req.Parameters, req.Confidence, req.Reasoning)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.env.Cache.Put(ctx, productID, modelID, model.MethodManual, params); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entry, err := h.env.Cache.Get(ctx, productID, modelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.env.Store.DequeueCombinations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []model.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type enqueueRequest struct {
	DatasetID string `json:"dataset_id"`
	ProductID string `json:"product_id"`
	ModelID   string `json:"model_id"`
	Reason    string `json:"reason"`
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, eris.New("product_id is required"))
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	ctx := r.Context()
	var added int
	var err error
	if req.ModelID != "" {
		if _, ok := h.env.Registry.Get(req.ModelID); !ok {
			writeError(w, http.StatusBadRequest, eris.Errorf("unknown model %q", req.ModelID))
			return
		}
		added, err = h.env.Store.Enqueue(ctx, []model.QueueItem{{ProductID: req.ProductID, ModelID: req.ModelID, Reason: req.Reason}})
	} else {
		added, err = h.env.enqueueStale(ctx, h.env.datasetOr(req.DatasetID), []string{req.ProductID}, req.Reason)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (h *handlers) dequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID := chi.URLParam(r, "productID")

	var removed int
	var err error
	if modelID := r.URL.Query().Get("model"); modelID != "" {
		removed, err = h.env.Store.RemovePairs(ctx, []model.Pair{{ProductID: productID, ModelID: modelID}})
	} else {
		removed, err = h.env.Store.RemoveProducts(ctx, []string{productID})
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// optimize starts a batch in the background. Only one batch runs at a time;
// the slot is claimed before replying so concurrent requests get 409.
func (h *handlers) optimize(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, batch.ErrBusy)
		return
	}
	if h.env.Processor.State() == batch.StateRunning {
		h.running.Store(false)
		writeError(w, http.StatusConflict, batch.ErrBusy)
		return
	}
	datasetID := h.env.datasetOr(r.URL.Query().Get("dataset"))

	go func() {
		defer h.running.Store(false)
		summary, err := h.env.runBatch(h.ctx, datasetID)
		if err != nil {
			zap.L().Error("batch run failed", zap.String("dataset_id", datasetID), zap.Error(err))
			return
		}
		zap.L().Info("batch run finished",
			zap.String("dataset_id", datasetID),
			zap.Int("optimized", summary.Optimized),
			zap.Int("failed", summary.Failed),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"dataset_id": datasetID,
	})
}

func (h *handlers) progress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    h.env.Processor.State(),
		"progress": h.env.Processor.Progress(),
	})
}

func (h *handlers) ensure(w http.ResponseWriter, r *http.Request) {
	productID, modelID := chi.URLParam(r, "productID"), chi.URLParam(r, "modelID")
	datasetID := h.env.datasetOr(r.URL.Query().Get("dataset"))

	if _, ok := h.env.Registry.Get(modelID); !ok {
		writeError(w, http.StatusNotFound, eris.Errorf("unknown model %q", modelID))
		return
	}
	params, err := h.env.Processor.EnsureOptimized(r.Context(), datasetID, productID, modelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (h *handlers) needs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := h.env.loadDataset(ctx, h.env.datasetOr(r.URL.Query().Get("dataset")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	needing, err := h.env.Processor.GetProductsNeedingOptimization(ctx, data, h.env.Registry.Enabled())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if needing == nil {
		needing = []model.ProductModels{}
	}
	writeJSON(w, http.StatusOK, needing)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("api error", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
