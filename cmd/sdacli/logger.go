package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	sdauploader "github.com/CSCfi/sda-uploader"
)

// newLogger builds the command logger. Records go to w and, when a log file is
// configured, to a size-rotated file as JSON. The caller should defer Sync.
func newLogger(o *options, w io.Writer) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(o.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "", "info":
		level.SetLevel(zap.InfoLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", o.LogLevel)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(o.LogFormat) {
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "", "console":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", o.LogFormat)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(w), level)}

	if o.LogFile != "" {
		path := sdauploader.ExpandPath(o.LogFile)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		file := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    max(o.LogMaxSizeMB, 1),
			MaxBackups: max(o.LogMaxBackups, 1),
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), file, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)), nil
}
