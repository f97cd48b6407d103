package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"strata/config"
)

// InitLogger builds the process logger. Format "console" gives colored,
// human readable output on stderr; "json" gives one JSON object per line.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}

	// stdout carries command output, so logs go to stderr
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), lvl)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads configuration from configFile (or the default search
// path when empty) plus STRATA_* environment variables.
func InitConfig(configFile string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfig records the effective storage settings at startup
func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	s := cfg.Storage
	sugar.Infow("Config loaded",
		"data_dir", cfg.DataDir,
		"store_path", s.StorePath,
		"durability", s.DurabilityMode,
		"pool_size", s.PoolSize,
		"max_connections", s.MaxConnections,
		"query_cache", s.EnableQueryCache,
		"foreign_keys", s.EnableForeignKeys)
}
