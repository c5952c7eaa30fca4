package backend

import "github.com/pkg/errors"

type Strategy string

const (
	StrategyInProcess  Strategy = "inprocess"
	StrategySubprocess Strategy = "subprocess"
)

// Config selects and parameterizes the backend strategy for a deployment.
type Config struct {
	Strategy Strategy

	// In-process strategy
	Session SessionFunc

	// Subprocess strategy
	Command string
	Args    []string
	Env     []string
}

// Factory creates one fresh backend instance per run.
type Factory func() Backend

// NewFactory resolves the configured strategy to a backend factory. An
// unknown strategy fails here, at startup, not at run time.
func NewFactory(cfg Config, logger Logger) (Factory, error) {
	switch cfg.Strategy {
	case StrategyInProcess:
		if cfg.Session == nil {
			return nil, errors.New("inprocess backend requires a session runner")
		}
		return func() Backend {
			return NewInProcess(cfg.Session, logger)
		}, nil
	case StrategySubprocess:
		if cfg.Command == "" {
			return nil, errors.New("subprocess backend requires a command")
		}
		return func() Backend {
			return NewSubprocess(SubprocessConfig{
				Command: cfg.Command,
				Args:    cfg.Args,
				Env:     cfg.Env,
			}, logger)
		}, nil
	default:
		return nil, errors.Errorf("unknown backend strategy %q", string(cfg.Strategy))
	}
}
