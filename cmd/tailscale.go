//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/backlinehq/backline/internal/config"
)

// initTailscale serves mux on a tsnet listener so the review surface is
// reachable over the tailnet without exposing the main port. Returns a
// cleanup func, or nil when Tailscale is not configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	ts := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	ln, err := ts.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet listen failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		ts.Close()
		return nil
	}
	slog.Info("tsnet listener up", "hostname", cfg.Tailscale.Hostname)

	go func() {
		if err := http.Serve(ln, mux); err != nil {
			slog.Debug("tsnet serve stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return func() { ts.Close() }
}
