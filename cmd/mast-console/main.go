package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"mast-console/internal/mast"
	"mast-console/internal/session"
	"mast-console/internal/store"
	"mast-console/internal/transport"
	"mast-console/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"device"`
	Session struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		LogTimeout        time.Duration `yaml:"log_timeout"`
		RefreshInterval   time.Duration `yaml:"refresh_interval"`
		Polling           *bool         `yaml:"polling"`
	} `yaml:"session"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path       string `yaml:"path"`
		JournalCap int    `yaml:"journal_cap"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		ClientID        string `yaml:"client_id"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		Discovery       bool   `yaml:"discovery"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if err := c.endpoint().Validate(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"session.heartbeat_interval": c.Session.HeartbeatInterval,
		"session.heartbeat_timeout":  c.Session.HeartbeatTimeout,
		"session.request_timeout":    c.Session.RequestTimeout,
		"session.log_timeout":        c.Session.LogTimeout,
		"session.refresh_interval":   c.Session.RefreshInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Session.HeartbeatTimeout >= c.Session.HeartbeatInterval {
		return fmt.Errorf("session.heartbeat_timeout (%s) must be shorter than session.heartbeat_interval (%s)",
			c.Session.HeartbeatTimeout, c.Session.HeartbeatInterval)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) endpoint() mast.Endpoint {
	return mast.Endpoint{Host: strings.TrimSpace(c.Device.Host), Port: c.Device.Port}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("mast-console starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithJournalCap(cfg.Store.JournalCap))
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	client := transport.New(transport.Config{
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		RequestTimeout:   cfg.Session.RequestTimeout,
		LogTimeout:       cfg.Session.LogTimeout,
	}, logger)

	events := session.NewEventBus(logger)
	sess, err := session.New(client, db, events, session.Config{
		Endpoint:          cfg.endpoint(),
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		RefreshInterval:   cfg.Session.RefreshInterval,
		Polling:           *cfg.Session.Polling,
	}, logger)
	if err != nil {
		logger.Error("create session", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(sess, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(sess, db, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(sess, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	sess.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	sd := session.DefaultConfig()
	td := transport.DefaultConfig()

	if cfg.Device.Host == "" {
		cfg.Device.Host = mast.DefaultHost
	}
	if cfg.Device.Port == 0 {
		cfg.Device.Port = mast.DefaultPort
	}
	if cfg.Session.HeartbeatInterval == 0 {
		cfg.Session.HeartbeatInterval = sd.HeartbeatInterval
	}
	if cfg.Session.HeartbeatTimeout == 0 {
		cfg.Session.HeartbeatTimeout = td.HeartbeatTimeout
	}
	if cfg.Session.RequestTimeout == 0 {
		cfg.Session.RequestTimeout = td.RequestTimeout
	}
	if cfg.Session.LogTimeout == 0 {
		cfg.Session.LogTimeout = td.LogTimeout
	}
	if cfg.Session.RefreshInterval == 0 {
		cfg.Session.RefreshInterval = sd.RefreshInterval
	}
	if cfg.Session.Polling == nil {
		polling := sd.Polling
		cfg.Session.Polling = &polling
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "mast-console.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "mast"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
