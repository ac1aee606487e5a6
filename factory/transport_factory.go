package factory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/queue"
	"github.com/opd-ai/tradechat/real"
	sim "github.com/opd-ai/tradechat/testing"
	"github.com/sirupsen/logrus"
)

// ErrHubRequired is returned when simulation is selected without a hub.
var ErrHubRequired = errors.New("simulation requires a hub")

// TransportFactory creates transports and queue storage from a Config.
// It is safe for concurrent use.
type TransportFactory struct {
	mu     sync.RWMutex
	config *Config
}

// NewTransportFactory creates a factory. A nil config uses DefaultConfig.
func NewTransportFactory(config *Config) *TransportFactory {
	if config == nil {
		config = DefaultConfig()
	}
	cp := *config
	logrus.WithFields(logrus.Fields{
		"function":       "NewTransportFactory",
		"use_simulation": cp.UseSimulation,
		"server_url":     cp.ServerURL,
	}).Info("Created transport factory with configuration")
	return &TransportFactory{config: &cp}
}

// TransportConfig derives the transport settings.
func (f *TransportFactory) TransportConfig() *interfaces.TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &interfaces.TransportConfig{
		UseSimulation:    f.config.UseSimulation,
		URL:              f.config.ServerURL,
		HandshakeTimeout: f.config.HandshakeTimeout,
		RequestTimeout:   f.config.RequestTimeout,
	}
}

// CreateDialer returns the hub's dialer in simulation mode and a websocket
// dialer otherwise.
func (f *TransportFactory) CreateDialer(hub *sim.Hub) (interfaces.Dialer, error) {
	tc := f.TransportConfig()
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	if tc.UseSimulation {
		if hub == nil {
			return nil, ErrHubRequired
		}
		logrus.WithFields(logrus.Fields{
			"function": "CreateDialer",
			"type":     "simulation",
		}).Info("Creating simulation dialer")
		return hub.Dialer(), nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateDialer",
		"type":     "real",
		"url":      tc.URL,
	}).Info("Creating websocket dialer")
	return real.NewWebSocketDialer(tc), nil
}

// OpenQueueStorage returns pebble storage in QueueDir, or memory storage
// when QueueDir is empty. A configured seal key encrypts entries at rest.
func (f *TransportFactory) OpenQueueStorage() (queue.Storage, error) {
	f.mu.RLock()
	dir, key := f.config.QueueDir, f.config.QueueSealKey
	f.mu.RUnlock()

	if dir == "" {
		if key != "" {
			logrus.WithFields(logrus.Fields{
				"function": "OpenQueueStorage",
			}).Warn("Seal key ignored for in-memory queue")
		}
		return queue.NewMemoryStorage(), nil
	}

	var sealer *queue.Sealer
	if key != "" {
		s, err := queue.ParseSealer(key)
		if err != nil {
			return nil, fmt.Errorf("queue seal key: %w", err)
		}
		sealer = s
	}
	return queue.OpenPebble(dir, queue.PebbleOptions{Sealer: sealer})
}

// SwitchToSimulation switches the factory to the in-memory hub.
func (f *TransportFactory) SwitchToSimulation() {
	f.setSimulation(true)
}

// SwitchToReal switches the factory to the websocket transport.
func (f *TransportFactory) SwitchToReal() {
	f.setSimulation(false)
}

func (f *TransportFactory) setSimulation(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "TransportFactory.setSimulation",
		"previous": f.config.UseSimulation,
		"current":  on,
	}).Info("Switching factory transport mode")

	f.config.UseSimulation = on
}

// IsUsingSimulation returns true if the factory is configured for simulation.
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.config.UseSimulation
}

// CurrentConfig returns a copy of the configuration.
func (f *TransportFactory) CurrentConfig() *Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := *f.config
	return &cp
}

// UpdateConfig replaces the configuration.
func (f *TransportFactory) UpdateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	cp := *config
	cp.Validate()

	f.mu.Lock()
	defer f.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"old_simulation": f.config.UseSimulation,
		"new_simulation": cp.UseSimulation,
	}).Info("Updating factory configuration")
	f.config = &cp
	return nil
}
