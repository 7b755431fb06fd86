package common

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// StartPromServer serves /metrics until ctx is cancelled
func StartPromServer(ctx context.Context, port string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("hosting prom stats", zap.String("address", port))
	return serve(ctx, port, mux)
}

// StartReadyzServer serves /readyz, healthy only while every dependency answers a ping
func StartReadyzServer(ctx context.Context, port string, deps map[string]Pinger, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", ReadyzHandler(deps))
	logger.Info("hosting health check", zap.String("address", port))
	return serve(ctx, port, mux)
}

func ReadyzHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(errors.Wrapf(err, "failed pinging %s", name).Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

func serve(ctx context.Context, port string, handler http.Handler) error {
	srv := &http.Server{Addr: port, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "failed serving on %s", port)
	}
	return nil
}
