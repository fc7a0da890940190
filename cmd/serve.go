package main

import (
	"context"
	"encoding/json"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/monitoring"
)

var servePort int

// maxTaskBody caps POST /tasks payloads.
const maxTaskBody = 8 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run queue workers and the operational HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: newRouter(opsAPI{
				queue:    env.Queue,
				throttle: env.Throttle,
				tiers:    env.Tiers,
				metrics:  env.Metrics.Handler(),
			}, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := env.Queue.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			runEvery(gctx, flushInterval(), "flush tier stats", func(ctx context.Context) error {
				return env.Tiers.Flush(ctx)
			})
			return nil
		})
		g.Go(func() error {
			runEvery(gctx, cleanupInterval(), "prune selectors and cache", func(ctx context.Context) error {
				_, _, err := prune(ctx, env.Selectors, env.Cache)
				return err
			})
			return nil
		})
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Queue, env.Tiers),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func flushInterval() time.Duration {
	if s := cfg.Monitoring.StatsFlushIntervalSecs; s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Minute
}

func cleanupInterval() time.Duration {
	if h := cfg.Selectors.CleanupHours; h > 0 {
		return time.Duration(h) * time.Hour
	}
	return 24 * time.Hour
}

// runEvery calls fn on every tick until ctx is done. Errors are logged and
// the loop continues.
func runEvery(ctx context.Context, interval time.Duration, name string, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				zap.L().Warn("periodic task failed", zap.String("task", name), zap.Error(err))
			}
		}
	}
}

type taskQueue interface {
	EnqueueBatch(tasks []model.ScrapeTask) model.EnqueueReport
	Stats() model.QueueStats
	Clear() int
}

type throttleOps interface {
	Stats(domain string) []model.ThrottleState
	Reset(domain string)
}

type tierStats interface {
	Stats() []model.TierStats
}

// opsAPI is the operational surface over the running engine.
type opsAPI struct {
	queue    taskQueue
	throttle throttleOps
	tiers    tierStats
	metrics  http.Handler
}

type enqueueRequest struct {
	Tasks []model.ScrapeTask `json:"tasks"`
}

func newRouter(api opsAPI, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if api.metrics != nil {
		r.Method(http.MethodGet, "/metrics", api.metrics)
	}

	r.Post("/tasks", api.enqueue)
	r.Get("/throttle", api.throttleStats)
	r.Post("/throttle/reset", api.resetThrottle)
	r.Get("/queue/stats", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, api.queue.Stats())
	})
	r.Post("/queue/clear", func(w http.ResponseWriter, _ *http.Request) {
		removed := api.queue.Clear()
		zap.L().Info("queue cleared", zap.Int("removed", removed))
		respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
	})
	r.Get("/tiers", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, api.tiers.Stats())
	})
	return r
}

func (a opsAPI) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tasks) == 0 {
		respondError(w, http.StatusBadRequest, "tasks is required")
		return
	}
	for i, t := range req.Tasks {
		if t.URL == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("tasks[%d].url is required", i))
			return
		}
	}

	report := a.queue.EnqueueBatch(req.Tasks)
	zap.L().Info("tasks enqueued",
		zap.Int("queued", report.Queued),
		zap.Int("deduped", report.Deduped),
		zap.Int("total", report.Total),
	)
	respondJSON(w, http.StatusAccepted, report)
}

func (a opsAPI) throttleStats(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		respondError(w, http.StatusBadRequest, "domain is required")
		return
	}
	respondJSON(w, http.StatusOK, a.throttle.Stats(domain))
}

func (a opsAPI) resetThrottle(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		respondError(w, http.StatusBadRequest, "domain is required")
		return
	}
	a.throttle.Reset(domain)
	zap.L().Info("throttle reset", zap.String("domain", domain))
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "domain": domain})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Debug("encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
