// Package log provides the structured logger used throughout the peer
// directory node, a zap-backed implementation with lumberjack-rotated file
// output, following the node's own infrastructure logging package.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the narrow interface the rest of the repository depends on,
// mirroring the node's pkg/interfaces/infrastructure/log contract.
type Logger interface {
	Debug(msg string, args ...interface{})
	Debugf(format string, args ...interface{})
	Info(msg string, args ...interface{})
	Infof(format string, args ...interface{})
	Warn(msg string, args ...interface{})
	Warnf(format string, args ...interface{})
	Error(msg string, args ...interface{})
	Errorf(format string, args ...interface{})
	With(args ...interface{}) Logger
	Sync() error
	GetZapLogger() *zap.Logger
}

// Config controls the rotating file sink and console verbosity.
type Config struct {
	Level      string // debug|info|warn|error
	FilePath   string // empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Console    bool
}

func applyDefaults(c *Config) {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 28
	}
}

type logger struct {
	zl *zap.Logger
	sl *zap.SugaredLogger
}

// New builds a Logger from cfg, tee-ing a console core with a
// lumberjack-rotated file core exactly as the node's own logging package
// does.
func New(cfg Config) (Logger, error) {
	applyDefaults(&cfg)

	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if cfg.Console || cfg.FilePath == "" {
		consoleEnc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.AddSync(os.Stdout), level))
	}
	if cfg.FilePath != "" {
		fileEnc := zapcore.NewJSONEncoder(encCfg)
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &logger{zl: zl, sl: zl.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests and
// call sites that tolerate a nil-safe default.
func NewNop() Logger {
	zl := zap.NewNop()
	return &logger{zl: zl, sl: zl.Sugar()}
}

func (l *logger) Debug(msg string, args ...interface{}) { l.sl.Debugw(msg, toZapFields(args)...) }
func (l *logger) Debugf(format string, args ...interface{}) { l.sl.Debugf(format, args...) }
func (l *logger) Info(msg string, args ...interface{})  { l.sl.Infow(msg, toZapFields(args)...) }
func (l *logger) Infof(format string, args ...interface{})  { l.sl.Infof(format, args...) }
func (l *logger) Warn(msg string, args ...interface{})  { l.sl.Warnw(msg, toZapFields(args)...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.sl.Warnf(format, args...) }
func (l *logger) Error(msg string, args ...interface{}) { l.sl.Errorw(msg, toZapFields(args)...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.sl.Errorf(format, args...) }

func (l *logger) With(args ...interface{}) Logger {
	return &logger{zl: l.zl, sl: l.sl.With(toZapFields(args)...)}
}

func (l *logger) Sync() error { return l.zl.Sync() }

func (l *logger) GetZapLogger() *zap.Logger { return l.zl }

// toZapFields passes key-value pairs straight through to the sugared
// logger's *w methods, which already accept ...interface{} in that shape.
func toZapFields(args []interface{}) []interface{} { return args }
