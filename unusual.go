package main

import (
	"context"
	"log/slog"
	"net"
	"strings"
)

const (
	insertRequestDelimiter = "="
	versionKey             = "version"

	// All requests and responses must be shorter than 1000 bytes.
	maxRequestSize = 1000
)

// UnusualDatabaseProgram is a key-value store spoken over UDP. The store is only touched by the
// goroutine running Serve.
type UnusualDatabaseProgram struct {
	version string
	data    map[string]string
}

func NewUnusualDatabaseProgram(version string) *UnusualDatabaseProgram {
	return &UnusualDatabaseProgram{
		version: version,
		data:    make(map[string]string),
	}
}

// Serve answers requests on conn until ctx is cancelled.
func (p *UnusualDatabaseProgram) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	slog.Info("unusual database listening", "addr", conn.LocalAddr())
	buf := make([]byte, maxRequestSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n >= maxRequestSize {
			slog.Debug("ignoring oversized request", "remote_addr", addr)
			continue
		}

		response, ok := p.handleRequest(string(buf[:n]))
		if !ok {
			continue
		}
		// Responses must be sent from the address the request was sent to.
		if _, err := conn.WriteTo([]byte(response), addr); err != nil {
			LogWriteError(err)
		}
	}
}

// handleRequest applies one request and returns the response to send, if any.
func (p *UnusualDatabaseProgram) handleRequest(request string) (string, bool) {
	if k, v, insert := strings.Cut(request, insertRequestDelimiter); insert {
		if k == versionKey {
			return "", false
		}
		slog.Debug("insertion request", "k", k, "v", v)
		p.data[k] = v
		return "", false
	}

	// A request that does not contain an equals sign is a retrieve request.
	k := request
	if k == versionKey {
		return k + insertRequestDelimiter + p.version, true
	}
	v, ok := p.data[k]
	slog.Debug("retrieve request", "k", k, "found", ok)
	if !ok {
		return "", false
	}
	return k + insertRequestDelimiter + v, true
}
