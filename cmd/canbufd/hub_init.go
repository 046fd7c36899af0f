package main

import (
	"log/slog"

	"github.com/kstaniek/go-canbuf/internal/hub"
)

// initHub builds the TCP fan-out hub. cfg has been validated, so an unknown
// policy only happens in tests and falls back to drop.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	policy, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", policy.String())
	}
	h.Policy = policy
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}
