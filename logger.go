package textrace

import "strings"

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

type levelLogger struct {
	base Logger
	min  int
}

// NewLevelLogger drops messages below level (debug, info, warn, error).
// Unknown levels behave like info.
func NewLevelLogger(base Logger, level string) Logger {
	floor := levelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		floor = levelDebug
	case "warn", "warning":
		floor = levelWarn
	case "error":
		floor = levelError
	}
	return levelLogger{base: normalizeLogger(base), min: floor}
}

func (l levelLogger) Debug(format string, args ...any) {
	if l.min <= levelDebug {
		l.base.Debug(format, args...)
	}
}

func (l levelLogger) Info(format string, args ...any) {
	if l.min <= levelInfo {
		l.base.Info(format, args...)
	}
}

func (l levelLogger) Warn(format string, args ...any) {
	if l.min <= levelWarn {
		l.base.Warn(format, args...)
	}
}

func (l levelLogger) Error(format string, args ...any) {
	l.base.Error(format, args...)
}
