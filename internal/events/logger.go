package events

import (
	"time"

	"github.com/twinsync/twinsync/internal/domain"
)

// Logger publishes log and progress events on behalf of one producer
// (a job or the orchestrator). Loggers are cheap values; derive them
// freely with WithHost and WithFields.
type Logger struct {
	bus    *Bus
	job    string
	host   string
	fields map[string]string
}

// Logger returns a logger attributed to the named producer.
func (b *Bus) Logger(job string) *Logger {
	return &Logger{bus: b, job: job}
}

// WithHost returns a logger whose events carry the given host role.
func (l *Logger) WithHost(host domain.Host) *Logger {
	c := *l
	c.host = string(host)
	return &c
}

// WithFields returns a logger whose events carry the given context map
// merged over any existing fields.
func (l *Logger) WithFields(fields map[string]string) *Logger {
	c := *l
	merged := make(map[string]string, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	c.fields = merged
	return &c
}

func (l *Logger) log(level domain.LogLevel, msg string) {
	l.bus.Publish(LogEvent{
		Time:    time.Now(),
		Level:   level,
		Job:     l.job,
		Host:    l.host,
		Message: msg,
		Fields:  l.fields,
	})
}

func (l *Logger) Debug(msg string)    { l.log(domain.LevelDebug, msg) }
func (l *Logger) Full(msg string)     { l.log(domain.LevelFull, msg) }
func (l *Logger) Info(msg string)     { l.log(domain.LevelInfo, msg) }
func (l *Logger) Warning(msg string)  { l.log(domain.LevelWarning, msg) }
func (l *Logger) Error(msg string)    { l.log(domain.LevelError, msg) }
func (l *Logger) Critical(msg string) { l.log(domain.LevelCritical, msg) }

// Progress publishes a progress update for this producer.
func (l *Logger) Progress(u domain.ProgressUpdate) {
	l.bus.Publish(ProgressEvent{Time: time.Now(), Job: l.job, Update: u})
}
