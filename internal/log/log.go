// Package log wraps zap for the service. A process-wide logger is kept for
// code that has no logger injected; components prefer an explicit *zap.Logger.
package log

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codehome01/exam-monitor-server/internal/config"
)

const defaultLogMaxSize = 100 // MB

var _globalL atomic.Pointer[zap.Logger]

func init() {
	_globalL.Store(zap.NewNop())
}

// New builds a logger from cfg. Output goes to stdout and, when a filename
// is configured, to a lumberjack-rotated file.
func New(cfg config.LogConfig, opts ...zap.Option) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	parsed := cfg.Level
	if parsed == "" || strings.EqualFold(parsed, "trace") {
		parsed = "debug"
	}
	if err := level.UnmarshalText([]byte(parsed)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.Level)
	}

	var outputs []zapcore.WriteSyncer
	if cfg.File.Filename != "" {
		lg, err := initFileLog(cfg.File)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout || len(outputs) == 0 {
		outputs = append(outputs, zapcore.Lock(os.Stdout))
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zap.CombineWriteSyncers(outputs...), level)
	opts = append([]zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}, opts...)
	return zap.New(core, opts...), nil
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encCfg)
}

// initFileLog initializes file based logging options.
func initFileLog(cfg config.LogFileConfig) (*lumberjack.Logger, error) {
	if st, err := os.Stat(cfg.Filename); err == nil && st.IsDir() {
		return nil, errors.Newf("can't use directory %s as log file name", cfg.Filename)
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = defaultLogMaxSize
	}

	// use lumberjack to logrotate
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
	}, nil
}

// L returns the global Logger, which can be reconfigured with ReplaceGlobals.
// It's safe for concurrent use.
func L() *zap.Logger {
	return _globalL.Load()
}

// ReplaceGlobals replaces the global Logger and returns a func restoring the
// previous one.
func ReplaceGlobals(logger *zap.Logger) func() {
	prev := _globalL.Swap(logger)
	return func() { _globalL.Store(prev) }
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}
