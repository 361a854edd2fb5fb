package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"dali-go-bridge/internal/automation"
	"dali-go-bridge/internal/bus"
	"dali-go-bridge/internal/dali"
	"dali-go-bridge/internal/manager"
	"dali-go-bridge/internal/mqtt"
	"dali-go-bridge/internal/store"
	"dali-go-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type SimDeviceConfig struct {
	Bus          int     `yaml:"bus"`
	ID           string  `yaml:"id"`
	ShortAddress *uint8  `yaml:"short_address"` // absent = factory fresh
	Brightness   uint8   `yaml:"brightness"`
	Groups       []uint8 `yaml:"groups"`
}

type Config struct {
	Name    string `yaml:"name"`
	Channel struct {
		Mode string `yaml:"mode"` // "serial" or "sim"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
		Sim  struct {
			Buses   int               `yaml:"buses"`
			Seed    uint64            `yaml:"seed"`
			Devices []SimDeviceConfig `yaml:"devices"`
		} `yaml:"sim"`
	} `yaml:"channel"`
	MQTT struct {
		Enabled  bool   `yaml:"enabled"`
		Broker   string `yaml:"broker"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Channel.Mode {
	case "serial":
		if c.Channel.Port == "" {
			return fmt.Errorf("channel.port is required in serial mode")
		}
	case "sim":
		if c.Channel.Sim.Buses < 1 || c.Channel.Sim.Buses > 3 {
			return fmt.Errorf("channel.sim.buses must be 1-3, got %d", c.Channel.Sim.Buses)
		}
	default:
		return fmt.Errorf("unknown channel.mode: %q (supported: serial, sim)", c.Channel.Mode)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
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
	logger.Info("dali-bridge starting", "version", version, "name", cfg.Name)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	channel, err := createChannel(cfg, logger)
	if err != nil {
		logger.Error("open channel", "err", err)
		os.Exit(1)
	}
	defer channel.Close()

	if err := saveControllerInfo(db, cfg.Name, channel); err != nil {
		logger.Error("save controller info", "err", err)
		os.Exit(1)
	}

	events := manager.NewEventBus(logger)
	mgr := manager.New(channel, db, events, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgr.Start(startCtx); err != nil {
		logger.Error("start manager", "err", err)
		startCancel()
		os.Exit(1)
	}
	startCancel()

	auto := automation.NewEngine(mgr, logger, cfg.ScriptsDir)
	if err := auto.Start(); err != nil {
		logger.Error("start automation", "err", err)
		os.Exit(1)
	}

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(mgr, logger, webOpts...)

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

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(mgr, version, mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Name:     cfg.Name,
		}, logger)
		if err != nil {
			logger.Error("connect mqtt", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func createChannel(cfg *Config, logger *slog.Logger) (bus.Channel, error) {
	switch cfg.Channel.Mode {
	case "serial":
		logger.Info("using serial channel", "port", cfg.Channel.Port, "baud", cfg.Channel.Baud)
		return bus.OpenSerial(cfg.Channel.Port, cfg.Channel.Baud, logger)
	case "sim":
		logger.Info("using simulated channel", "buses", cfg.Channel.Sim.Buses)
		sim := bus.NewSim(logger, cfg.Channel.Sim.Buses)
		if cfg.Channel.Sim.Seed != 0 {
			sim.Seed(cfg.Channel.Sim.Seed)
		}
		for i, d := range cfg.Channel.Sim.Devices {
			spec := bus.SimDeviceSpec{
				ID:           d.ID,
				ShortAddress: dali.UnaddressedShortAddress,
				Brightness:   d.Brightness,
				Groups:       d.Groups,
			}
			if spec.ID == "" {
				spec.ID = fmt.Sprintf("sim-%d", i)
			}
			if d.ShortAddress != nil {
				spec.ShortAddress = *d.ShortAddress
			}
			if err := sim.AddDevice(d.Bus, spec); err != nil {
				return nil, fmt.Errorf("sim device %s: %w", spec.ID, err)
			}
		}
		return sim, nil
	default:
		return nil, fmt.Errorf("unknown channel mode: %q", cfg.Channel.Mode)
	}
}

// saveControllerInfo records the probed interface versions so the web and
// MQTT surfaces can report them without touching the port again.
func saveControllerInfo(db store.Store, name string, channel bus.Channel) error {
	ctrl := store.Controller{Name: name, UpdatedAt: time.Now()}
	if sc, ok := channel.(*bus.SerialChannel); ok {
		ctrl.HardwareVersion = sc.HardwareVersion()
		ctrl.FirmwareVersion = sc.FirmwareVersion()
	}
	return db.SaveController(&ctrl)
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
	if cfg.Name == "" {
		cfg.Name = "dali"
	}
	if cfg.Channel.Mode == "" {
		cfg.Channel.Mode = "serial"
	}
	if cfg.Channel.Baud == 0 {
		cfg.Channel.Baud = bus.DefaultBaudRate
	}
	if cfg.Channel.Sim.Buses == 0 {
		cfg.Channel.Sim.Buses = 1
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "dali-bridge.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
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
