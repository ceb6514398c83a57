package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/fetch-orchestrator/internal/backend"
	"github.com/JakeFAU/fetch-orchestrator/internal/retry"
)

// ErrInvalidConfig wraps every configuration problem reported by Validate.
var ErrInvalidConfig = errors.New("invalid orchestrator config")

// Config is the run configuration consumed by the orchestrator core. It is
// decoupled from the file/env configuration in internal/config.
type Config struct {
	Backend  backend.Kind
	PoolSize int

	PerHostRPS     float64
	Burst          int
	AcquireTimeout time.Duration

	Retry retry.Policy

	// OverallDeadline bounds the whole run; zero means no deadline.
	OverallDeadline time.Duration
	// RequestTimeout bounds each fetch attempt.
	RequestTimeout time.Duration
	// ShutdownGrace bounds how long the backend may take to drain.
	ShutdownGrace time.Duration

	Process backend.ProcessConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        backend.KindThread,
		PoolSize:       8,
		PerHostRPS:     2,
		Burst:          1,
		Retry:          retry.DefaultPolicy(),
		RequestTimeout: 15 * time.Second,
		ShutdownGrace:  5 * time.Second,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var problems []error
	if _, err := backend.ParseKind(string(c.Backend)); err != nil {
		problems = append(problems, err)
	}
	if c.PoolSize <= 0 {
		problems = append(problems, fmt.Errorf("pool size must be > 0, got %d", c.PoolSize))
	}
	if c.PerHostRPS <= 0 {
		problems = append(problems, fmt.Errorf("per-host rate must be > 0, got %v", c.PerHostRPS))
	}
	if c.Burst < 1 {
		problems = append(problems, fmt.Errorf("burst must be >= 1, got %d", c.Burst))
	}
	if c.AcquireTimeout < 0 {
		problems = append(problems, fmt.Errorf("acquire timeout must be >= 0, got %s", c.AcquireTimeout))
	}
	if err := c.Retry.Validate(); err != nil {
		problems = append(problems, err)
	}
	if c.OverallDeadline < 0 {
		problems = append(problems, fmt.Errorf("overall deadline must be >= 0, got %s", c.OverallDeadline))
	}
	if c.RequestTimeout < 0 {
		problems = append(problems, fmt.Errorf("request timeout must be >= 0, got %s", c.RequestTimeout))
	}
	if c.ShutdownGrace < 0 {
		problems = append(problems, fmt.Errorf("shutdown grace must be >= 0, got %s", c.ShutdownGrace))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}
