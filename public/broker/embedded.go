// Package broker is the embeddable public API around the USP Broker core:
// a thin wrapper that loads configuration, wires up logging, and starts the
// cooperative dispatch loop in-process. Grounded on the teacher's
// public/orchestrator/embedded.go NewEmbedded/Config/ApplyDefaults shape,
// generalized from "deploy agents from cells.yaml" to "run the USP Broker
// core".
package broker

import (
	"context"
	"fmt"
	"sync"

	uspbroker "github.com/uspbroker/core"
	"github.com/uspbroker/core/internal/config"
	"github.com/uspbroker/core/internal/logging"
	"github.com/uspbroker/core/internal/permissions"
	"github.com/uspbroker/core/internal/registry"
	"github.com/uspbroker/core/internal/schema"
)

// Config configures an embedded Broker.
type Config struct {
	ConfigPath string
	LogDir     string
	Quiet      bool
	Perms      permissions.Store
}

func (c *Config) applyDefaults() {
	if c.ConfigPath == "" {
		c.ConfigPath = "./config/broker.yaml"
	}
	if c.LogDir == "" {
		c.LogDir = "./logs"
	}
}

// Embedded runs a USP Broker core in-process.
type Embedded struct {
	logger *logging.SessionLogger
	core   *uspbroker.Broker

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewEmbedded loads cfg.ConfigPath (falling back to built-in Broker defaults
// if it cannot be loaded for any reason) and assembles a Broker ready to
// Start.
func NewEmbedded(cfg Config) (*Embedded, error) {
	cfg.applyDefaults()

	brokerCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		brokerCfg = &config.Config{}
	}

	logger, err := logging.New(cfg.LogDir, cfg.Quiet)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to start logging: %w", err)
	}
	logging.SetGlobalLogger(logger)

	core := uspbroker.New(uspbroker.Config{
		ListenAddress: brokerCfg.Listener.Address,
		MaxServices:   brokerCfg.Limits.MaxServices,
		MaxGroups:     schema.GroupID(brokerCfg.Limits.MaxGroups),
		Logger:        logger,
		Perms:         cfg.Perms,
	})

	return &Embedded{logger: logger, core: core}, nil
}

// Start runs the Broker's dispatch loop in a background goroutine.
func (e *Embedded) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.stopped = make(chan struct{})

	go func() {
		defer close(e.stopped)
		if err := e.core.Run(runCtx); err != nil {
			e.logger.Error("broker run: %v", err)
		}
	}()
}

// Stop cancels the dispatch loop and waits for it to exit.
func (e *Embedded) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	stopped := e.stopped
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if stopped != nil {
		<-stopped
	}
	e.logger.Close()
}

// Reconcile runs one Subscription Synchronization pass (spec §4.5).
func (e *Embedded) Reconcile(ctx context.Context) []error {
	return e.core.Reconcile(ctx)
}

// Registry exposes the live Service Registry for diagnostics.
func (e *Embedded) Registry() *registry.Registry { return e.core.Registry() }
