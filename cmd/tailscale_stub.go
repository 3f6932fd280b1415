//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/backlinehq/backline/internal/config"
)

// initTailscale is compiled out unless the tsnet build tag is set. The stub
// only warns when config asks for a tailnet the binary cannot provide.
func initTailscale(_ context.Context, cfg *config.Config, _ http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but binary built without tsnet support; rebuild with -tags tsnet")
	}
	return nil
}
