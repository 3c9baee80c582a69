package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}

// Init initializes the logging subsystem.
//
// Console encoding is used since both tools are operator-facing; level
// names are colored when stderr is a terminal.
func Init(cfg *Config) (*zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), nil
}
