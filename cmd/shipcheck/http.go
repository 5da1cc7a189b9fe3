package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/BearBump/ShipCheck/internal/queue/redisqueue"
	"github.com/BearBump/ShipCheck/internal/services/dispatcher"
	"github.com/BearBump/ShipCheck/internal/services/worker"
	"github.com/BearBump/ShipCheck/internal/telemetry"
)

//go:embed admin.swagger.json
var adminSwagger []byte

type queueInspector interface {
	Stats(ctx context.Context) (redisqueue.Stats, error)
	ListDeadLetters(ctx context.Context, limit int) ([]redisqueue.DeadLetter, error)
}

type circuitReader interface {
	States(ctx context.Context, carriers []models.Carrier) ([]models.CircuitState, error)
}

type dispatchRunner interface {
	Dispatch(ctx context.Context) (dispatcher.Result, error)
	Stats() dispatcher.Stats
}

type runnerStats interface {
	Stats() worker.Stats
	Trigger()
}

type adminOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	runner     runnerStats
	dispatcher dispatchRunner
	queue      queueInspector
	circuits   circuitReader
	carriers   []models.Carrier
	metrics    *telemetry.Metrics
	ready      func(ctx context.Context) error
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func newAdminRouter(opts adminOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.ready(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if opts.runner != nil {
			out["worker"] = opts.runner.Stats()
		}
		if opts.dispatcher != nil {
			out["dispatcher"] = opts.dispatcher.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/circuits", func(w http.ResponseWriter, r *http.Request) {
		states, err := opts.circuits.States(r.Context(), opts.carriers)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"circuits": states})
	})

	r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
		st, err := opts.queue.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, http.StatusBadRequest, errors.New("limit must be in 1..1000"))
				return
			}
			limit = n
		}
		items, err := opts.queue.ListDeadLetters(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	r.Post("/dispatch", func(w http.ResponseWriter, r *http.Request) {
		res, err := opts.dispatcher.Dispatch(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"result": res, "error": err.Error()})
			return
		}
		if opts.runner != nil && res.Enqueued > 0 {
			opts.runner.Trigger()
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": res})
	})

	if opts.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(adminSwagger)
	})
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))

	return r
}

func runAdminServer(ctx context.Context, opts adminOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8081"
	}
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newAdminRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("admin http listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
