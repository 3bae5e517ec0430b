package realtime

import (
	"fmt"
	"log"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
)

type LoggerLevel int

const (
	LogDebug LoggerLevel = iota
	LogInfo
	LogWarning
	LogError
)

func (l LoggerLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarning:
		return "WARNING"
	case LogError:
		return "ERROR"
	}
	return "UNK"
}

// Logger receives the connection core's log lines. kind names the component
// that logged: connection, transport, websocket, polling, protocol or auth.
type Logger interface {
	Print(level LoggerLevel, kind string, v ...any)
	Println(level LoggerLevel, kind string, v ...any)
	Printf(level LoggerLevel, kind string, format string, v ...any)
}

// NoopLogger is a logger that does nothing
type NoopLogger int

func NewNoopLogger() *NoopLogger {
	return new(NoopLogger)
}

func (l *NoopLogger) Print(_ LoggerLevel, _ string, _ ...any)            {}
func (l *NoopLogger) Println(_ LoggerLevel, _ string, _ ...any)          {}
func (l *NoopLogger) Printf(_ LoggerLevel, _ string, _ string, _ ...any) {}

// CustomLogger logs to the given log.Logger if the message is >= logLevel
type CustomLogger struct {
	logLevel LoggerLevel
	logger   *log.Logger
}

func NewCustomLogger(level LoggerLevel, logger *log.Logger) *CustomLogger {
	return &CustomLogger{
		logLevel: level,
		logger:   logger,
	}
}

// NewSimpleLogger returns a CustomLogger writing to log.Default()
func NewSimpleLogger(logLevel LoggerLevel) *CustomLogger {
	return NewCustomLogger(logLevel, log.Default())
}

func (l *CustomLogger) prefix(level LoggerLevel, kind string) string {
	return fmt.Sprintf("[%s] <%s>", level, kind)
}

func (l *CustomLogger) Print(level LoggerLevel, kind string, v ...any) {
	if level >= l.logLevel {
		l.logger.Print(append([]any{l.prefix(level, kind), " "}, v...)...)
	}
}

func (l *CustomLogger) Println(level LoggerLevel, kind string, v ...any) {
	if level >= l.logLevel {
		l.logger.Println(append([]any{l.prefix(level, kind)}, v...)...)
	}
}

func (l *CustomLogger) Printf(level LoggerLevel, kind string, format string, v ...any) {
	if level >= l.logLevel {
		l.logger.Printf(l.prefix(level, kind)+" "+format, v...)
	}
}

// ZerologLogger adapts a zerolog.Logger. The kind is attached as the
// "component" field.
type ZerologLogger struct {
	logger zerolog.Logger
}

func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

func (l *ZerologLogger) event(level LoggerLevel, kind string) *zerolog.Event {
	var ev *zerolog.Event
	switch level {
	case LogDebug:
		ev = l.logger.Debug()
	case LogInfo:
		ev = l.logger.Info()
	case LogWarning:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Error()
	}
	return ev.Str("component", kind)
}

func (l *ZerologLogger) Print(level LoggerLevel, kind string, v ...any) {
	l.event(level, kind).Msg(fmt.Sprint(v...))
}

func (l *ZerologLogger) Println(level LoggerLevel, kind string, v ...any) {
	msg := fmt.Sprintln(v...)
	l.event(level, kind).Msg(msg[:len(msg)-1])
}

func (l *ZerologLogger) Printf(level LoggerLevel, kind string, format string, v ...any) {
	l.event(level, kind).Msgf(format, v...)
}

// ZapLogger adapts a zap.Logger through its sugared form.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.Sugar()}
}

func (l *ZapLogger) with(kind string) *zap.SugaredLogger {
	return l.logger.With("component", kind)
}

func (l *ZapLogger) Print(level LoggerLevel, kind string, v ...any) {
	logger := l.with(kind)
	switch level {
	case LogDebug:
		logger.Debug(v...)
	case LogInfo:
		logger.Info(v...)
	case LogWarning:
		logger.Warn(v...)
	default:
		logger.Error(v...)
	}
}

func (l *ZapLogger) Println(level LoggerLevel, kind string, v ...any) {
	logger := l.with(kind)
	switch level {
	case LogDebug:
		logger.Debugln(v...)
	case LogInfo:
		logger.Infoln(v...)
	case LogWarning:
		logger.Warnln(v...)
	default:
		logger.Errorln(v...)
	}
}

func (l *ZapLogger) Printf(level LoggerLevel, kind string, format string, v ...any) {
	logger := l.with(kind)
	switch level {
	case LogDebug:
		logger.Debugf(format, v...)
	case LogInfo:
		logger.Infof(format, v...)
	case LogWarning:
		logger.Warnf(format, v...)
	default:
		logger.Errorf(format, v...)
	}
}
