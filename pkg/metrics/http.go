package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/clisend/clisend/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve runs an HTTP server exposing /metrics on addr until ctx is
// cancelled. It returns immediately if metrics are disabled.
func Serve(ctx context.Context, addr string) {
	if !IsEnabled() {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server: %v", err)
	}
}
