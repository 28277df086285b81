package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/admin"
	"github.com/codefionn/lanproxy/lanproxy-srv/config"
	"github.com/codefionn/lanproxy/lanproxy-srv/filter"
	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/codefionn/lanproxy/lanproxy-srv/proxy"
	"github.com/codefionn/lanproxy/lanproxy-srv/store"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("lanproxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	logger.Info("Starting lanproxy")

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}
	logger.Debug("Using configuration file: %s", *configPathPtr)

	for i, server := range cfg.Servers {
		logger.Debug("Server %d: %s on %s", i, server.Type, server.ListenAddress)
	}
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)
	logger.Debug("Cache TTL: %v", cfg.Cache.GetTTLDuration())

	return cfg, *configPathPtr
}

// service bundles everything built from one configuration
type service struct {
	backend store.Backend
	filter  *filter.List
	proxy   *proxy.Proxy
	admin   *admin.API
	done    chan error
}

// newService wires the store, filter list, proxy and admin API for cfg
func newService(cfg *config.Config) (*service, error) {
	backend, err := store.NewBackend(cfg.Store)
	if err != nil {
		return nil, err
	}

	list := filter.NewList(backend)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := list.Load(ctx, cfg.Filter); err != nil {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Error("Error closing store backend: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to load filter list: %w", err)
	}
	if err := list.Watch(); err != nil {
		logger.Warn("Filter files will not be reloaded on change: %v", err)
	}

	s := &service{
		backend: backend,
		filter:  list,
		proxy:   proxy.NewProxy(cfg, proxy.Options{Filter: list, Sink: backend}),
		done:    make(chan error, 1),
	}
	if cfg.Admin.ListenAddress != "" {
		s.admin = admin.NewAPI(cfg.Admin, list, s.proxy, store.NewHealthChecker(backend))
	}
	return s, nil
}

func (s *service) start() error {
	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			return err
		}
	}
	go func() {
		logger.Info("Starting proxy server...")
		s.done <- s.proxy.Start()
	}()
	return nil
}

func (s *service) stop() {
	if s.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.admin.Stop(ctx); err != nil {
			logger.Error("Error stopping admin API: %v", err)
		}
		cancel()
	}
	if err := s.proxy.Stop(); err != nil {
		logger.Error("Error stopping proxy: %v", err)
	}
	if err := s.filter.Close(); err != nil {
		logger.Error("Error closing filter list: %v", err)
	}
	if err := s.backend.Close(); err != nil {
		logger.Error("Error closing store backend: %v", err)
	}
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	svc, err := newService(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize: %v", err)
	}
	if err := svc.start(); err != nil {
		logger.Fatal("Failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	currentCfg := cfg
	for {
		select {
		case err := <-svc.done:
			if err != nil {
				svc.stop()
				logger.Fatal("Proxy server error: %v", err)
			}
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(currentCfg, newCfg) {
					logger.Info("Config unchanged after reload; not restarting proxy.")
					continue
				}
				logger.Info("Config changed. Restarting proxy...")
				svc.stop()
				logger.SetLevel(logger.GetLevelFromString(newCfg.LogLevel))
				svc, err = newService(newCfg)
				if err != nil {
					logger.Fatal("Failed to initialize with new configuration: %v", err)
				}
				if err := svc.start(); err != nil {
					logger.Fatal("Failed to start with new configuration: %v", err)
				}
				currentCfg = newCfg
				logger.Info("Proxy restarted with new configuration.")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				svc.stop()
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(strings.TrimSpace(key), val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
