package log

import (
	"fmt"

	"github.com/pion/logging"
)

// dtlsLogger writes the logs of one pion/dtls scope. A failed handshake also fails the CoAP dial,
// which the session reports and retries, so pion errors are only warnings here and everything below
// a warning is debug output.
type dtlsLogger struct {
	logger Logger
}

func (l dtlsLogger) log(level logging.LogLevel, msg string) {
	switch level {
	case logging.LogLevelError, logging.LogLevelWarn:
		l.logger.Warn(msg)
	default:
		l.logger.Debug(msg)
	}
}

func (l dtlsLogger) logf(level logging.LogLevel, format string, args ...interface{}) {
	l.log(level, fmt.Sprintf(format, args...))
}

func (l dtlsLogger) Trace(msg string) { l.log(logging.LogLevelTrace, msg) }
func (l dtlsLogger) Debug(msg string) { l.log(logging.LogLevelDebug, msg) }
func (l dtlsLogger) Info(msg string)  { l.log(logging.LogLevelInfo, msg) }
func (l dtlsLogger) Warn(msg string)  { l.log(logging.LogLevelWarn, msg) }
func (l dtlsLogger) Error(msg string) { l.log(logging.LogLevelError, msg) }

func (l dtlsLogger) Tracef(format string, args ...interface{}) {
	l.logf(logging.LogLevelTrace, format, args...)
}

func (l dtlsLogger) Debugf(format string, args ...interface{}) {
	l.logf(logging.LogLevelDebug, format, args...)
}

func (l dtlsLogger) Infof(format string, args ...interface{}) {
	l.logf(logging.LogLevelInfo, format, args...)
}

func (l dtlsLogger) Warnf(format string, args ...interface{}) {
	l.logf(logging.LogLevelWarn, format, args...)
}

func (l dtlsLogger) Errorf(format string, args ...interface{}) {
	l.logf(logging.LogLevelError, format, args...)
}

type dtlsLoggerFactory struct {
	logger Logger
}

func (f dtlsLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return dtlsLogger{logger: f.logger.With("dtls", scope)}
}

func newDTLSLoggerFactory(logger Logger) logging.LoggerFactory {
	return dtlsLoggerFactory{logger: logger}
}

func (l *WrapSuggarLogger) DTLSLoggerFactory() logging.LoggerFactory {
	return newDTLSLoggerFactory(l)
}
