// Package logging wraps a process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where logs go and how verbose they are.
type Config struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Init configures the global logger. Output always goes to stderr; when
// cfg.File is set it is also written to a size-rotated file.
func Init(cfg Config) {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	mu.Lock()
	logger = zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(cfg.Level))
	mu.Unlock()
}

// SetLogLevel changes the minimum level; unknown names select info.
func SetLogLevel(level string) {
	mu.Lock()
	logger = logger.Level(parseLevel(level))
	mu.Unlock()
}

// SetLoggerForTest replaces the global logger.
func SetLoggerForTest(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Logger returns the current global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, kv ...interface{}) { write(zerolog.DebugLevel, msg, kv) }
func Info(msg string, kv ...interface{})  { write(zerolog.InfoLevel, msg, kv) }
func Warn(msg string, kv ...interface{})  { write(zerolog.WarnLevel, msg, kv) }
func Error(msg string, kv ...interface{}) { write(zerolog.ErrorLevel, msg, kv) }

func write(level zerolog.Level, msg string, kv []interface{}) {
	l := Logger()
	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	// A trailing key without a value is logged under "extra".
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			ev = ev.Interface("extra", kv[i])
			continue
		}
		if i+1 >= len(kv) {
			ev = ev.Interface("extra", key)
			break
		}
		if err, isErr := kv[i+1].(error); isErr {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
