// Package logging builds the single *zap.Logger each service's process
// uses, matching the level/encoding conventions implied by the teacher's
// cmd/storagenode tests (zap.L() as the ambient logger).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction. Loaded the same way as the rest of
// this repo's configuration, via pkg/cfgstruct.
type Config struct {
	Level string `cfg:"log.level" default:"info" help:"debug, info, warn, or error"`
	JSON  bool   `cfg:"log.json" default:"true" help:"emit structured JSON logs instead of console"`
}

// New builds a *zap.Logger for the given service name from cfg.
func New(service string, cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	zc := zap.NewProductionConfig()
	if !cfg.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(service), nil
}
