// Package log provides the process-wide logger.
package log

import (
	stdlog "log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level constants
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Logger is the logging surface used across runbox.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

var zapLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// base writes to stderr so stdout stays free for command output
// (the mcp subcommand speaks its protocol on stdout).
var base = zap.New(
	zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		zapLevel,
	),
	zap.AddCaller(),
)

// Default is the logger behind the package-level helpers.
var Default Logger = base.WithOptions(zap.AddCallerSkip(1)).Sugar()

// StdLogger adapts the logger for libraries that expect a *log.Logger, such
// as chi's request logger. Entries are written at info level.
func StdLogger() *stdlog.Logger {
	return zap.NewStdLog(base)
}

// SetLevel sets the log level. Unknown levels fall back to info.
func SetLevel(level string) {
	switch level {
	case LevelDebug:
		zapLevel.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		zapLevel.SetLevel(zapcore.WarnLevel)
	case LevelError:
		zapLevel.SetLevel(zapcore.ErrorLevel)
	default:
		zapLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Level reports the current level as a string.
func Level() string {
	return zapLevel.Level().String()
}

// Debugf logs at debug level with the default logger.
func Debugf(format string, args ...any) { Default.Debugf(format, args...) }

// Infof logs at info level with the default logger.
func Infof(format string, args ...any) { Default.Infof(format, args...) }

// Warnf logs at warn level with the default logger.
func Warnf(format string, args ...any) { Default.Warnf(format, args...) }

// Errorf logs at error level with the default logger.
func Errorf(format string, args ...any) { Default.Errorf(format, args...) }
