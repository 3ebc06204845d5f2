package main

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/benjaminclauss/trafficd/config"
)

// CloseOrLog closes conn, logging anything but an already-closed connection.
func CloseOrLog(conn io.Closer) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Error("error closing connection", "err", err)
	}
}

func LogReadError(err error) {
	if err != nil {
		slog.Error("read error", "err", err)
	}
}

func LogWriteError(err error) {
	if err != nil {
		slog.Error("write error", "err", err)
	}
}

// newLogHandler returns the slog handler described by cfg, writing to w.
func newLogHandler(w io.Writer, cfg config.LogConfig) (slog.Handler, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts), nil
	}
	return slog.NewTextHandler(w, opts), nil
}
