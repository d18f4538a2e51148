// Package logging builds the zap logger used by the binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/systemshift/contentrepo/internal/config"
)

// New builds a logger for cfg. Development mode writes console lines to
// stdout; otherwise JSON goes to stderr. The returned func flushes buffered
// entries and should run before exit.
func New(cfg config.Log) (*zap.Logger, func(), error) {
	var z zap.Config
	if cfg.Development {
		z = zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
	} else {
		z = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		z.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := z.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, func() { _ = logger.Sync() }, nil
}
