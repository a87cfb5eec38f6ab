package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	zl        zerolog.Logger
	component string
}

// Default levels per APP_ENV; LOG_LEVEL overrides.
var envLevels = map[string]zerolog.Level{
	"development": zerolog.DebugLevel,
	"staging":     zerolog.InfoLevel,
	"production":  zerolog.InfoLevel,
	"test":        zerolog.WarnLevel,
}

type Config struct {
	AppEnv string
	Level  string
	Out    io.Writer
}

// New creates a logger for a component using APP_ENV and LOG_LEVEL.
func New(component string) *Logger {
	return NewWithConfig(component, Config{
		AppEnv: os.Getenv("APP_ENV"),
		Level:  os.Getenv("LOG_LEVEL"),
	})
}

// NewWithConfig creates a logger with explicit configuration. Production
// emits JSON lines; every other environment gets the colored console writer.
func NewWithConfig(component string, cfg Config) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.AppEnv == "production" {
		zl = zerolog.New(out).With().Timestamp().Str("component", component).Logger()
	} else {
		zl = zerolog.New(consoleWriter(out, component)).With().Timestamp().Logger()
	}

	return &Logger{zl: zl.Level(resolveLevel(cfg)), component: component}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), component: "nop"}
}

func consoleWriter(out io.Writer, component string) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("[%s] %s", component, i)
		},
		FormatLevel: func(i interface{}) string {
			level, _ := i.(string)
			switch level {
			case "debug":
				return "\033[36m[DEBUG]\033[0m"
			case "info":
				return "\033[34m[INFO]\033[0m"
			case "warn":
				return "\033[33m[WARN]\033[0m"
			case "error":
				return "\033[31m[ERROR]\033[0m"
			case "fatal":
				return "\033[35m[FATAL]\033[0m"
			default:
				return fmt.Sprintf("[%s]", strings.ToUpper(level))
			}
		},
	}
}

func resolveLevel(cfg Config) zerolog.Level {
	if cfg.Level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			return lvl
		}
	}
	if lvl, ok := envLevels[cfg.AppEnv]; ok {
		return lvl
	}
	return zerolog.DebugLevel
}

// With returns a child logger carrying an extra field on every entry.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger(), component: l.component}
}

func (l *Logger) Debug() *zerolog.Event   { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event    { return l.zl.Info() }
func (l *Logger) Success() *zerolog.Event { return l.zl.Info().Bool("success", true) }
func (l *Logger) Warn() *zerolog.Event    { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event   { return l.zl.Error() }

func (l *Logger) LogInfo(msg string) { l.Info().Msg(msg) }
func (l *Logger) LogWarn(msg string) { l.Warn().Msg(msg) }

func (l *Logger) LogError(msg string, err error) {
	if err != nil {
		l.Error().Err(err).Msg(msg)
		return
	}
	l.Error().Msg(msg)
}

func (l *Logger) LogFatal(msg string, err error) {
	l.zl.Fatal().Err(err).Msg(msg)
}

func (l *Logger) LogDebugf(format string, v ...interface{})   { l.Debug().Msgf(format, v...) }
func (l *Logger) LogInfof(format string, v ...interface{})    { l.Info().Msgf(format, v...) }
func (l *Logger) LogSuccessf(format string, v ...interface{}) { l.Success().Msgf(format, v...) }
func (l *Logger) LogWarnf(format string, v ...interface{})    { l.Warn().Msgf(format, v...) }
func (l *Logger) LogErrorf(format string, v ...interface{})   { l.Error().Msgf(format, v...) }
