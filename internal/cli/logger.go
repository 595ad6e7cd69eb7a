package cli

import (
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sandboxforge/internal/dag"
	"sandboxforge/internal/stage"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the cli package's logger. It is a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger installs l for the cli, dag and stage packages.
func SetLogger(l *zap.Logger) {
	logger = l
	dag.SetLogger(l)
	stage.SetLogger(l)
}

// newLogger returns a console logger writing to w: info level, or debug
// when verbose.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}

func fetchLogf(format string, args ...any) {
	Logger().Sugar().Infof(format, args...)
}
