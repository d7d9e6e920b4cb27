package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultDir is where log files are written when Options.Dir is empty
const DefaultDir = "logs"

// Options selects the logger's encoders and levels
type Options struct {
	// Env is "development" (coloured console) or "production" (JSON on stdout).
	// It also prefixes the log file name.
	Env string
	// Level is the minimum stdout level; the file always records debug
	Level string
	// Dir holds the JSON log file. "-" disables the file output.
	Dir string
}

// InitLogger initializes a zap logger that tees stdout and a JSON log file
func InitLogger(opts Options) (*zap.Logger, error) {
	stdoutLevel := zapcore.InfoLevel
	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		stdoutLevel = lvl
	}

	cores := []zapcore.Core{
		zapcore.NewCore(stdoutEncoder(opts.Env), zapcore.AddSync(os.Stdout), stdoutLevel),
	}

	if opts.Dir != "-" {
		logFile, err := openLogFile(opts.Dir, opts.Env)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.AddSync(logFile), zapcore.DebugLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger.With(zap.String("env", opts.Env)), nil
}

func stdoutEncoder(env string) zapcore.Encoder {
	if env == "production" {
		return zapcore.NewJSONEncoder(fileEncoderConfig())
	}

	// human-readable for local runs
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// openLogFile creates dir if needed and opens a timestamped file inside it
func openLogFile(dir, env string) (*os.File, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	if env == "" {
		env = "development"
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	name := filepath.Join(dir, fmt.Sprintf("%s_%s.log", env, timestamp))
	logFile, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logFile, nil
}
