package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/magpielab/magpie/internal/config"
)

// buildLogger constructs the process logger: human-readable console
// output when stderr is a terminal, JSON lines otherwise, plus an
// optional rotated file sink.
func buildLogger(lc config.LogConfig, verbose bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, err
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	jsonCfg := zap.NewProductionEncoderConfig()
	jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	stderr := zapcore.Lock(os.Stderr)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), stderr, level))
	} else {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), stderr, level))
	}

	if lc.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(rotated), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
