// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/chatqueue"
	"github.com/wingedpig/agentrund/internal/collab"
	"github.com/wingedpig/agentrund/internal/config"
	"github.com/wingedpig/agentrund/internal/ctxmon"
	"github.com/wingedpig/agentrund/internal/events"
	"github.com/wingedpig/agentrund/internal/gateway"
	"github.com/wingedpig/agentrund/internal/registry"
	"github.com/wingedpig/agentrund/internal/runtime"
)

var version = "0.1.0"

func main() {
	var (
		configPath       string
		host             string
		port             int
		orchestratorType string
		workingDirectory string
		showVersion      bool
		debug            bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect runtime.hjson)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "Gateway host (overrides config)")
	flag.IntVar(&port, "port", 0, "Gateway port (overrides config)")
	flag.StringVar(&orchestratorType, "orchestrator-runtime", "claude-code", "Runtime type used to launch the orchestrator session")
	flag.StringVar(&workingDirectory, "dir", "", "Working directory for the orchestrator session (default: current directory)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.BoolVar(&debug, "debug", false, "Enable debug mode")
	flag.Parse()

	if showVersion {
		fmt.Printf("agentrund %s\n", version)
		os.Exit(0)
	}

	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Printf("no config file found, using built-in defaults: %v", err)
		} else {
			configPath = found
		}
	}

	ctx := context.Background()
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if host != "" {
		cfg.Gateway.Host = host
	}
	if port != 0 {
		cfg.Gateway.Port = port
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	if workingDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			workingDirectory = wd
		}
	}

	runtimes, err := runtime.NewTable(cfg.Runtimes)
	if err != nil {
		log.Fatalf("runtime table: %v", err)
	}

	be := backend.NewManager(cfg.Backend)
	defer be.Shutdown()

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: 1000,
		HistoryMaxAge:    24 * time.Hour,
	})
	defer bus.Close()
	bus.SetDefaultSession(cfg.Registry.OrchestratorName)

	storage := collab.NewFakeStorage()
	tasks := collab.NewFakeTaskTracking()
	memory := collab.NewFakeMemory()
	bridges := collab.NewFakeBridges()

	// The Restart Coordinator restarts sessions the Context Monitor gives up
	// on, and the Context Monitor is constructed with the coordinator's
	// Restart method as its callback: break the cycle with a forward
	// reference, same pattern used in the registry package's own tests.
	var coordinator *registry.Coordinator
	ctxMon := ctxmon.New(be, runtimes, bus, func(name string) {
		if coordinator != nil {
			coordinator.Restart(name)
		}
	}, cfg.ContextMonitor)
	defer ctxMon.Stop()

	coordinator = registry.New(be, runtimes, bus, ctxMon, storage, tasks, memory, nil, cfg.Registry, cfg.ExitMonitor)

	queue := chatqueue.New(be, bus, bridges, cfg.Queue)

	hub := gateway.NewHub(be, bus, queue, cfg.Gateway)
	defer hub.Shutdown()

	orchestratorName := cfg.Registry.OrchestratorName
	if _, err := coordinator.CreateAgentSession(ctx, registry.AgentSessionOptions{
		Name:             orchestratorName,
		WorkingDirectory: workingDirectory,
		RuntimeType:      orchestratorType,
		Role:             "orchestrator",
		Cols:             cfg.Backend.DefaultCols,
		Rows:             cfg.Backend.DefaultRows,
	}); err != nil {
		log.Printf("failed to start orchestrator session %q: %v", orchestratorName, err)
	} else if rt, ok := runtimes.Get(orchestratorType); ok {
		if err := queue.RegisterSession(orchestratorName, rt); err != nil {
			log.Printf("failed to register orchestrator session with chat router: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("gateway listening on %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
		errCh <- hub.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("gateway server error: %v", err)
		}
	}
}

func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.NewLoader().LoadWithDefaults(ctx, path)
}
