//go:build no_mqtt

package main

import (
	"log/slog"

	"mast-console/internal/session"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *session.Session, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
