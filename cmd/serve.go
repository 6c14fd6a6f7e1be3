package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server for document deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Audits, env.Outbox)

		// Background alert checker, when thresholds are configured.
		if cfg.Monitoring.ManualReviewRate > 0 || cfg.Monitoring.QueueBacklog > 0 || cfg.Monitoring.TokenBudget > 0 {
			alerter := monitoring.NewAlerter(monitoring.Thresholds{
				ManualReviewRate: cfg.Monitoring.ManualReviewRate,
				QueueBacklog:     cfg.Monitoring.QueueBacklog,
				TokenBudget:      cfg.Monitoring.TokenBudget,
				WebhookURL:       cfg.Monitoring.WebhookURL,
			})
			checker := monitoring.NewChecker(collector, alerter,
				time.Duration(cfg.Monitoring.CheckIntervalSecs)*time.Second,
				cfg.Monitoring.LookbackWindowHours)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env, collector, cfg.Monitoring.LookbackWindowHours),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the HTTP surface: health and metrics probes, run
// lookups, and the async document delivery webhook.
func newRouter(env *pipelineEnv, collector *monitoring.Collector, lookbackHours int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		snap, err := collector.Collect(req.Context(), lookbackHours)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics collection failed"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := env.Audits.GetOutcome(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run lookup failed"})
			return
		}
		if run == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Post("/webhook/document", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Container   string `json:"container"`
			Key         string `json:"key"`
			VersionHint string `json:"version_hint"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body.Container == "" || body.Key == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "container and key are required"})
			return
		}

		ref := model.DocumentRef{
			Container:   body.Container,
			Key:         body.Key,
			VersionHint: body.VersionHint,
		}

		// Classification runs asynchronously; the delivery is acknowledged
		// as soon as the reference is valid.
		go func() {
			run, err := env.Classify.Handle(context.WithoutCancel(req.Context()), ref)
			if err != nil {
				zap.L().Error("webhook classification failed",
					zap.String("path", ref.Path()),
					zap.Error(err))
				return
			}
			if run == nil {
				zap.L().Info("webhook delivery suppressed", zap.String("path", ref.Path()))
				return
			}
			zap.L().Info("webhook classification complete",
				zap.String("path", ref.Path()),
				zap.String("status", string(run.Status)))
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"path":   ref.Path(),
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
