// Command broker runs a standalone USP Broker core: it listens for USP
// Service and Controller connections over the TCP stream-socket MTP, federates
// their registered data-model subtrees into Device., and routes requests,
// responses, and notifications between them.
//
// Configuration loading follows the teacher's cmd/orchestrator/main.go
// priority hierarchy: command-line config path, then config/broker.yaml in
// the working directory, then built-in defaults.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	uspbroker "github.com/uspbroker/core"
	"github.com/uspbroker/core/internal/config"
	"github.com/uspbroker/core/internal/logging"
	"github.com/uspbroker/core/internal/schema"
)

func main() {
	var cfg *config.Config
	var configSource string

	switch {
	case len(os.Args) >= 2:
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		configSource = "config file: " + os.Args[1]
	default:
		if _, err := os.Stat("config/broker.yaml"); err == nil {
			loaded, err := config.Load("config/broker.yaml")
			if err != nil {
				log.Printf("warning: config/broker.yaml exists but failed to load: %v", err)
				log.Printf("using built-in defaults instead")
				cfg = defaultConfig()
				configSource = "built-in defaults (config/broker.yaml failed to parse)"
			} else {
				cfg = loaded
				configSource = "config/broker.yaml (default)"
			}
		} else {
			cfg = defaultConfig()
			configSource = "built-in defaults"
		}
	}

	log.Printf("starting USP Broker using %s", configSource)

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Quiet)
	if err != nil {
		log.Fatalf("failed to start logging: %v", err)
	}
	logging.SetGlobalLogger(logger)
	defer logger.Close()

	core := uspbroker.New(uspbroker.Config{
		ListenAddress: cfg.Listener.Address,
		MaxServices:   cfg.Limits.MaxServices,
		MaxGroups:     schema.GroupID(cfg.Limits.MaxGroups),
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- core.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down...", sig)
	case err := <-done:
		if err != nil {
			log.Printf("broker exited with error: %v", err)
		}
		return
	}

	cancel()

	select {
	case <-done:
		log.Println("broker shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Println("shutdown timeout exceeded")
	}
}

// defaultConfig mirrors config.Config's own applyDefaults, for the case
// where no config file is present at all to Load.
func defaultConfig() *config.Config {
	return &config.Config{
		AppName: "uspbroker",
		Listener: config.ListenerConfig{
			Address: ":9876",
		},
		Limits: config.LimitsConfig{
			MaxServices: 256,
			MaxGroups:   256,
		},
		Logging: config.LoggingConfig{
			Dir: "./logs",
		},
	}
}
