// Package supervisor restarts Kestrel's long-running services when they fail.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig tunes restart behaviour. Zero values take suture's defaults.
type TreeConfig struct {
	// FailureThreshold failures within the decay window trigger a backoff.
	FailureThreshold float64

	// FailureDecay is the failure half-life in seconds.
	FailureDecay float64

	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long a service may take to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns the production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers so an HTTP failure never restarts the consumers and
// vice versa:
//   - processing: the worker pool
//   - api: the health/status server
type Tree struct {
	root       *suture.Supervisor
	processing *suture.Supervisor
	api        *suture.Supervisor
	config     TreeConfig
}

// NewTree builds the supervisor hierarchy; events are logged through logger.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = (&sutureslog.Handler{Logger: logger}).MustHook()

	root := suture.New("kestrel", rootSpec)
	processing := suture.New("processing", childSpec)
	api := suture.New("api", childSpec)
	root.Add(processing)
	root.Add(api)

	return &Tree{
		root:       root,
		processing: processing,
		api:        api,
		config:     config,
	}
}

// AddProcessing adds a service to the processing layer.
func (t *Tree) AddProcessing(svc suture.Service) suture.ServiceToken {
	return t.processing.Add(svc)
}

// AddAPI adds a service to the api layer.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
