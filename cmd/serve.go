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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/monitoring"
	"github.com/quillbooks/quill/internal/reconcile"
	"github.com/quillbooks/quill/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decisioning and review API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Guard)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring, tenantIDs)
		go checker.Run(ctx)

		runner := reconcile.NewRunner(env.Store, cfg.Reconcile.DateToleranceDays, cfg.Reconcile.MaxParallelTenants)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
			r.Post("/transactions/{tx}/decide", func(w http.ResponseWriter, req *http.Request) {
				tenant := chi.URLParam(req, "tenant")
				txID := chi.URLParam(req, "tx")
				full := req.URL.Query().Get("full") == "true"

				proposal, err := env.Engine.Decide(req.Context(), tenant, txID, full)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, proposal)
			})

			r.Post("/transactions/{tx}/approve", func(w http.ResponseWriter, req *http.Request) {
				tenant := chi.URLParam(req, "tenant")
				txID := chi.URLParam(req, "tx")

				var body struct {
					Account string `json:"account"`
				}
				if req.Body != nil {
					_ = json.NewDecoder(req.Body).Decode(&body)
				}

				if err := env.Engine.Approve(req.Context(), tenant, txID, body.Account); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
			})

			r.Post("/transactions/{tx}/reject", func(w http.ResponseWriter, req *http.Request) {
				tenant := chi.URLParam(req, "tenant")
				txID := chi.URLParam(req, "tx")

				if err := env.Engine.Reject(req.Context(), tenant, txID); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
			})

			r.Get("/proposals", func(w http.ResponseWriter, req *http.Request) {
				tenant := chi.URLParam(req, "tenant")
				filter := store.ProposalFilter{Limit: 100}
				if route := req.URL.Query().Get("route"); route != "" {
					filter.Route = model.Route(route)
				}

				proposals, err := env.Store.ListProposals(req.Context(), tenant, filter)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, proposals)
			})

			r.Post("/reconcile", func(w http.ResponseWriter, req *http.Request) {
				tenant := chi.URLParam(req, "tenant")

				var body struct {
					From string `json:"from"`
					To   string `json:"to"`
				}
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
					return
				}
				from, err := time.Parse("2006-01-02", body.From)
				if err != nil {
					http.Error(w, `{"error":"from must be YYYY-MM-DD"}`, http.StatusBadRequest)
					return
				}
				to, err := time.Parse("2006-01-02", body.To)
				if err != nil {
					http.Error(w, `{"error":"to must be YYYY-MM-DD"}`, http.StatusBadRequest)
					return
				}

				results, err := runner.RunTenant(req.Context(), tenant, from, to)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, results)
			})

			r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
				tenant := chi.URLParam(req, "tenant")
				snap, err := collector.Collect(req.Context(), tenant, cfg.Monitoring.LookbackWindowHours)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, snap)
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)
}
