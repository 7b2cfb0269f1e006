package domain

import "fmt"

// LogLevel orders log events from most to least verbose:
// DEBUG > FULL > INFO > WARNING > ERROR > CRITICAL.
// FULL carries operational detail (command output and the like) without
// internal diagnostics.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelFull
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelFull:
		return "FULL"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// AtLeast reports whether l is at least as severe as min. A consumer with
// minimum level INFO keeps INFO, WARNING, ERROR and CRITICAL events.
func (l LogLevel) AtLeast(min LogLevel) bool {
	return l >= min
}

// ParseLogLevel converts a level name to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "full", "FULL":
		return LevelFull, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warning", "WARNING", "warn", "WARN":
		return LevelWarning, nil
	case "error", "ERROR":
		return LevelError, nil
	case "critical", "CRITICAL":
		return LevelCritical, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
