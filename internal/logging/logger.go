// Package logging builds the service's zap loggers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/terrain-export/internal/config"
)

// New builds a zap.Logger from the logging section. Development mode uses the
// colored console encoder; production emits JSON with a "ts" time key.
// Service and version, when set, are attached to every entry.
func New(cfg config.LoggingConfig, app config.ApplicationConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", lvl, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	var fields []zap.Field
	if app.ServiceName != "" {
		fields = append(fields, zap.String("service", app.ServiceName))
	}
	if app.Version != "" {
		fields = append(fields, zap.String("version", app.Version))
	}
	return logger.With(fields...), nil
}
