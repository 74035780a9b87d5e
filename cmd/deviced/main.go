package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"deviceagent/internal/catalog"
	"deviceagent/internal/config"
	"deviceagent/internal/eventbus"
	"deviceagent/internal/gcd"
	"deviceagent/internal/platform"
	"deviceagent/internal/privet"
	"deviceagent/internal/security"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// Config is the process-level bootstrap document, distinct from the
// persisted Settings document the agent itself owns once running.
type Config struct {
	Privet struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"privet"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	BaseCommandsFile  string `yaml:"base_commands_file"`
	VendorCommandsDir string `yaml:"vendor_commands_dir"`
}

func (c *Config) validate() error {
	if c.BaseCommandsFile == "" {
		return fmt.Errorf("base_commands_file is required")
	}
	return nil
}

func main() {
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
	logger.Info("deviceagent starting", "version", version)

	store, err := config.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open config store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	deviceSecret, err := security.EnsureDeviceSecret(store)
	if err != nil {
		logger.Error("ensure device secret", "err", err)
		os.Exit(1)
	}
	securityMgr, err := security.NewManager(deviceSecret)
	if err != nil {
		logger.Error("create security manager", "err", err)
		os.Exit(1)
	}

	cat, err := loadCatalog(cfg, logger)
	if err != nil {
		logger.Error("load command catalog", "err", err)
		os.Exit(1)
	}

	events := eventbus.New(logger)
	controller := gcd.New(gcd.Deps{
		Store:    store,
		Catalog:  cat,
		Security: securityMgr,
		Events:   events,
		Logger:   logger,
	})

	network := platform.StubNetwork{}
	unsubscribeNetwork := network.OnChange(controller.NetworkChanged)
	defer unsubscribeNetwork()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := controller.Start(startCtx); err != nil {
		logger.Error("start controller", "err", err)
		cancelStart()
		os.Exit(1)
	}
	cancelStart()

	dnssd := platform.StubDNSSD{}
	if err := dnssd.Publish("_privet._tcp", 0, map[string]string{"ty": "deviceagent"}); err != nil {
		logger.Warn("publish dns-sd record", "err", err)
	}

	privetServer := privet.NewServer(controller,
		privet.WithLogger(logger.With("component", "privet")),
		privet.WithAllowedOrigins(cfg.Privet.AllowedOrigins),
	)
	if err := privetServer.Start(cfg.Privet.Listen); err != nil {
		logger.Error("start privet server", "err", err)
		os.Exit(1)
	}
	logger.Info("privet server listening", "addr", cfg.Privet.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := privetServer.Stop(shutdownCtx); err != nil {
		logger.Error("privet server shutdown", "err", err)
	}
	controller.Stop()

	logger.Info("goodbye")
}

// loadCatalog builds the merged command catalog from the configured base
// definitions file and, if present, the vendor definitions directory.
func loadCatalog(cfg *Config, logger *slog.Logger) (*catalog.Catalog, error) {
	base, err := catalog.LoadCommandsFile(cfg.BaseCommandsFile)
	if err != nil {
		return nil, err
	}
	cat := catalog.New()
	if err := cat.LoadBase(base); err != nil {
		return nil, err
	}

	if cfg.VendorCommandsDir == "" {
		return cat, nil
	}
	vendor, err := catalog.LoadCommandsDir(cfg.VendorCommandsDir)
	if err != nil {
		return nil, err
	}
	if len(vendor) == 0 {
		return cat, nil
	}
	if err := cat.LoadVendor(vendor); err != nil {
		return nil, err
	}
	logger.Info("vendor command definitions loaded", "count", len(vendor))
	return cat, nil
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
	if cfg.Privet.Listen == "" {
		cfg.Privet.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "deviceagent.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
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
