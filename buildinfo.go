package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benjaminclauss/trafficd/speeddaemon"
	"github.com/benjaminclauss/trafficd/ticketfeed"
)

var (
	Version   = "dev" // default fallback
	Commit    = "none"
	BuildTime = "unknown"
)

func landingPageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	info := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head><title>Build Info</title></head>
		<body>
			<h1>trafficd</h1>
			<p><strong>Version:</strong> %s</p>
			<p><strong>Commit:</strong> %s</p>
			<p><strong>Build Time:</strong> %s</p>
		</body>
		</html>`, Version, Commit, BuildTime)
	w.Header().Set("Content-Type", "text/html")
	_, err := w.Write([]byte(info))
	LogWriteError(err)
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	speeddaemon.WriteMetrics(w)
	ticketfeed.WriteMetrics(w)
}

func statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", landingPageHandler)
	mux.HandleFunc("/metrics", metricsHandler)
	return mux
}

// serveStatus serves the status page on l until ctx is cancelled.
func serveStatus(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           statusMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("status server shutdown", "err", err)
		}
	})
	defer stop()

	slog.Info("status page listening", "addr", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
