package sender

import "go.uber.org/zap"

// LogLevel gates what a Logger actually writes. It mirrors the severity
// levels the rest of the producer client uses so that a single Logger
// implementation can be shared across the accumulator, connection pool, and
// this package.
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Logger is the logging sink this package writes to. Configuration parsing
// and sink selection belong to the producer's user-facing API; this package
// only ever logs through this narrow interface.
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...interface{})
}

// zapLogger adapts a *zap.Logger to Logger. A Sender uses it only when a
// caller passes one built by NewZapLogger to WithLogger; the default is
// nopLogger.
type zapLogger struct {
	level LogLevel
	z     *zap.SugaredLogger
}

// NewZapLogger wraps z as a Logger capped at level.
func NewZapLogger(z *zap.Logger, level LogLevel) Logger {
	return &zapLogger{level: level, z: z.Sugar()}
}

func (l *zapLogger) Level() LogLevel { return l.level }

func (l *zapLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	if level > l.level {
		return
	}
	switch level {
	case LogLevelError:
		l.z.Errorw(msg, keyvals...)
	case LogLevelWarn:
		l.z.Warnw(msg, keyvals...)
	case LogLevelInfo:
		l.z.Infow(msg, keyvals...)
	case LogLevelDebug:
		l.z.Debugw(msg, keyvals...)
	}
}

// nopLogger discards everything; used when a caller passes a nil Logger.
type nopLogger struct{}

func (nopLogger) Level() LogLevel                               { return LogLevelNone }
func (nopLogger) Log(LogLevel, string, ...interface{})          {}

func logOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
