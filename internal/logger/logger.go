package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the service-wide JSON logger.
func NewLogger() (*zap.SugaredLogger, error) {
	return newAt(zapcore.InfoLevel)
}

// NewDebugLogger is used by tests and local runs.
func NewDebugLogger() (*zap.SugaredLogger, error) {
	return newAt(zapcore.DebugLevel)
}

func newAt(lvl zapcore.Level) (*zap.SugaredLogger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "json",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
