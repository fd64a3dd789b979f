package log

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging contract handed to the adapter components.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	With(args ...interface{}) Logger
	LogAndReturnError(err error) error
	DTLSLoggerFactory() logging.LoggerFactory
}

var log atomic.Value

// Config configuration for setup logging.
type Config struct {
	Debug bool `yaml:"debug" json:"debug" description:"enable debug logs"`
	// Level is ignored when Debug is set.
	Level    zapcore.Level `yaml:"level" json:"level"`
	Encoding string        `yaml:"encoding" json:"encoding" description:"json or console"`
}

func (c *Config) Validate() error {
	switch c.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("encoding('%v')", c.Encoding)
	}
	return nil
}

func MakeDefaultConfig() Config {
	return Config{
		Level:    zapcore.InfoLevel,
		Encoding: "json",
	}
}

// WrapSuggarLogger adapts zap's sugared logger to Logger.
type WrapSuggarLogger struct {
	*zap.SugaredLogger
}

func (l *WrapSuggarLogger) With(args ...interface{}) Logger {
	return &WrapSuggarLogger{SugaredLogger: l.SugaredLogger.With(args...)}
}

// LogAndReturnError logs err at debug level and returns it unchanged.
func (l *WrapSuggarLogger) LogAndReturnError(err error) error {
	if err == nil {
		return nil
	}
	l.Debug(err)
	return err
}

func init() {
	config := zap.NewProductionConfig()
	logger, err := config.Build()
	if err != nil {
		panic("Unable to create logger")
	}
	log.Store(&WrapSuggarLogger{SugaredLogger: logger.Sugar()})
}

// Setup changes log configuration for the application.
// Call ASAP in main after parse args/env.
func Setup(config Config) {
	if err := Build(config); err != nil {
		panic(err)
	}
}

// Set logger for global log fuctions
func Set(logger *zap.Logger) {
	log.Store(&WrapSuggarLogger{SugaredLogger: logger.Sugar()})
}

// NewLogger creates logger
func NewLogger(config Config) Logger {
	logger, err := newZapLogger(config)
	if err != nil {
		Get().Errorf("cannot create logger, using the global one: %v", err)
		return Get()
	}
	return &WrapSuggarLogger{SugaredLogger: logger.Sugar()}
}

func newZapLogger(config Config) (*zap.Logger, error) {
	var cfg zap.Config
	if config.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(config.Level)
	}
	if config.Encoding != "" {
		cfg.Encoding = config.Encoding
	}
	return cfg.Build()
}

// Build is a panic-free version of Setup.
func Build(config Config) error {
	logger, err := newZapLogger(config)
	if err != nil {
		return fmt.Errorf("logger creation failed: %w", err)
	}
	Set(logger)
	return nil
}

func Get() *WrapSuggarLogger {
	return log.Load().(*WrapSuggarLogger)
}

// Debug uses fmt.Sprint to construct and log a message.
func Debug(args ...interface{}) {
	Get().Debug(args...)
}

// Info uses fmt.Sprint to construct and log a message.
func Info(args ...interface{}) {
	Get().Info(args...)
}

// Warn uses fmt.Sprint to construct and log a message.
func Warn(args ...interface{}) {
	Get().Warn(args...)
}

// Error uses fmt.Sprint to construct and log a message.
func Error(args ...interface{}) {
	Get().Error(args...)
}

// Debugf uses fmt.Sprintf to log a templated message.
func Debugf(template string, args ...interface{}) {
	Get().Debugf(template, args...)
}

// Infof uses fmt.Sprintf to log a templated message.
func Infof(template string, args ...interface{}) {
	Get().Infof(template, args...)
}

// Warnf uses fmt.Sprintf to log a templated message.
func Warnf(template string, args ...interface{}) {
	Get().Warnf(template, args...)
}

// Errorf uses fmt.Sprintf to log a templated message.
func Errorf(template string, args ...interface{}) {
	Get().Errorf(template, args...)
}

// Fatalf uses fmt.Sprintf to log a templated message, then calls os.Exit.
func Fatalf(template string, args ...interface{}) {
	Get().Fatalf(template, args...)
}
