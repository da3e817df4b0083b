// Package servicelog provides the structured logging facade shared by
// every component of the daemon: a small attribute-based wrapper around
// zap so call sites never import zap directly.
package servicelog

import (
	"net/url"
	"time"

	"go.uber.org/zap"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Attrib is a single structured logging field, deferred until the message
// is actually emitted.
type Attrib func() zap.Field

func String(name, value string) Attrib { return func() zap.Field { return zap.String(name, value) } }
func Int(name string, value int) Attrib { return func() zap.Field { return zap.Int(name, value) } }
func Bool(name string, value bool) Attrib { return func() zap.Field { return zap.Bool(name, value) } }
func Error(err error) Attrib { return func() zap.Field { return zap.Error(err) } }
func Any(name string, value interface{}) Attrib {
	return func() zap.Field { return zap.Any(name, value) }
}
func Time(name string, value time.Time) Attrib {
	return func() zap.Field { return zap.Time(name, value) }
}
func Duration(name string, value time.Duration) Attrib {
	return func() zap.Field { return zap.Duration(name, value) }
}

// Logger is the interface every component depends on. It never exposes
// zap types so the sink (stdout, rotating file, both) stays a daemon-wide
// decision made once at startup.
type Logger interface {
	With(attrs ...Attrib) Logger
	Info(msg string, attrs ...Attrib)
	Error(msg string, attrs ...Attrib)
	Warn(msg string, attrs ...Attrib)
	Debug(msg string, attrs ...Attrib)
	Fatal(msg string, attrs ...Attrib)
}

type logger struct {
	z *zap.Logger
}

// Options controls the sink and verbosity of the root logger.
type Options struct {
	Debug      bool   // mirrors ACPROXYCAM_VERBOSE=1
	LogFile    string // rotating file path; empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the root logger. Output always includes stdout; a rotating
// lumberjack sink is added when Options.LogFile is set.
func New(opts Options) (Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stdout"}

	if opts.LogFile != "" {
		zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
			return lumberjackSink{Logger: &lumberjack.Logger{
				Filename:   u.Path,
				MaxSize:    nonZero(opts.MaxSizeMB, 50),
				MaxBackups: nonZero(opts.MaxBackups, 5),
				MaxAge:     nonZero(opts.MaxAgeDays, 28),
			}}, nil
		})
		cfg.OutputPaths = append(cfg.OutputPaths, "lumberjack://"+opts.LogFile)
	}

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &logger{z: z}, nil
}

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error { return nil }

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func fields(attrs []Attrib) []zap.Field {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]zap.Field, len(attrs))
	for i, a := range attrs {
		out[i] = a()
	}
	return out
}

func (l *logger) With(attrs ...Attrib) Logger {
	return &logger{z: l.z.With(fields(attrs)...)}
}

func (l *logger) Info(msg string, attrs ...Attrib)  { l.z.Info(msg, fields(attrs)...) }
func (l *logger) Error(msg string, attrs ...Attrib) { l.z.Error(msg, fields(attrs)...) }
func (l *logger) Warn(msg string, attrs ...Attrib)  { l.z.Warn(msg, fields(attrs)...) }
func (l *logger) Debug(msg string, attrs ...Attrib) { l.z.Debug(msg, fields(attrs)...) }
func (l *logger) Fatal(msg string, attrs ...Attrib) { l.z.Fatal(msg, fields(attrs)...) }

// Nop returns a Logger that discards everything; useful in tests.
func Nop() Logger {
	return &logger{z: zap.NewNop()}
}
