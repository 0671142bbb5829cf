// Package ekeylog bridges pion/logging's per-component leveled loggers
// to the system log, the way the original daemon reported connection
// lifecycle events (attach, rekey, repeated key requests, serial
// mismatches) through syslog.
package ekeylog

import (
	"fmt"
	"log"
	"log/syslog"

	"github.com/pion/logging"
)

// SyslogFactory hands out leveled loggers that all write to the same
// underlying syslog connection, tagged with their own scope.
type SyslogFactory struct {
	writer *syslog.Writer
}

// NewSyslogFactory opens a syslog connection tagged tag.
func NewSyslogFactory(tag string) (*SyslogFactory, error) {
	w, err := syslog.New(syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, err
	}
	return &SyslogFactory{writer: w}, nil
}

// NewLogger implements logging.LoggerFactory.
func (f *SyslogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &syslogLogger{scope: scope, w: f.writer}
}

type syslogLogger struct {
	scope string
	w     *syslog.Writer
}

func (l *syslogLogger) line(msg string) string {
	return fmt.Sprintf("[%s] %s", l.scope, msg)
}

func (l *syslogLogger) Trace(msg string)                          { l.w.Debug(l.line(msg)) }
func (l *syslogLogger) Tracef(format string, args ...interface{}) { l.Trace(fmt.Sprintf(format, args...)) }
func (l *syslogLogger) Debug(msg string)                          { l.w.Debug(l.line(msg)) }
func (l *syslogLogger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l *syslogLogger) Info(msg string)                           { l.w.Info(l.line(msg)) }
func (l *syslogLogger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l *syslogLogger) Warn(msg string)                           { l.w.Warning(l.line(msg)) }
func (l *syslogLogger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *syslogLogger) Error(msg string)                          { l.w.Err(l.line(msg)) }
func (l *syslogLogger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }

// StdFactory hands out leveled loggers that write to the standard
// library's log package, for use when running attached to a terminal
// instead of under a supervisor that captures syslog.
type StdFactory struct {
	logger *log.Logger
}

// NewStdFactory wraps logger (or the default std logger, if nil).
func NewStdFactory(logger *log.Logger) *StdFactory {
	if logger == nil {
		logger = log.Default()
	}
	return &StdFactory{logger: logger}
}

// NewLogger implements logging.LoggerFactory.
func (f *StdFactory) NewLogger(scope string) logging.LeveledLogger {
	return &stdLogger{scope: scope, l: f.logger}
}

type stdLogger struct {
	scope string
	l     *log.Logger
}

func (l *stdLogger) line(level, msg string) string {
	return fmt.Sprintf("%s [%s] %s", level, l.scope, msg)
}

func (l *stdLogger) Trace(msg string)                          { l.l.Print(l.line("TRACE", msg)) }
func (l *stdLogger) Tracef(format string, args ...interface{}) { l.Trace(fmt.Sprintf(format, args...)) }
func (l *stdLogger) Debug(msg string)                          { l.l.Print(l.line("DEBUG", msg)) }
func (l *stdLogger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l *stdLogger) Info(msg string)                           { l.l.Print(l.line("INFO", msg)) }
func (l *stdLogger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l *stdLogger) Warn(msg string)                           { l.l.Print(l.line("WARN", msg)) }
func (l *stdLogger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *stdLogger) Error(msg string)                          { l.l.Print(l.line("ERROR", msg)) }
func (l *stdLogger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }
