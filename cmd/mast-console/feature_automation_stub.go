//go:build no_automation

package main

import (
	"log/slog"

	"mast-console/internal/session"
	"mast-console/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *session.Session, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
