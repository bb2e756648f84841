// Package logging builds the pipeline's structured zap logger from
// configs.LoggingConfig, the way cmd/api/main.go's TODO described it
// in the teacher: JSON for production, console for local development,
// optional file output, enriched per-tender at each stage transition.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tender-pipeline/configs"
)

// New builds a zap.Logger from cfg. Callers defer logger.Sync().
func New(cfg configs.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink, err := openSink(cfg.FilePath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

// openSink returns stdout when path is empty (the optional log file
// path of spec §6), or an append-mode file sink otherwise.
func openSink(path string) (zapcore.WriteSyncer, error) {
	if path == "" {
		return zapcore.AddSync(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}

// ForTender returns a child logger enriched with tender_id and state
// fields. The orchestrator does not call it: it attaches tender_id with
// its own With call and logs the state on each transition.
func ForTender(base *zap.Logger, externalID string, state string) *zap.Logger {
	return base.With(zap.String("tender_id", externalID), zap.String("state", state))
}
