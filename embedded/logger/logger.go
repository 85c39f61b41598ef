// Package logger provides a minimal leveled-logger contract: components
// take a Logger interface, never the stdlib *log.Logger directly, so
// tests can inject a silent or a capturing implementation.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

// Logger is the contract every component depends on.
type Logger interface {
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ConsoleLogger writes colorized, leveled lines to an io.Writer.
type ConsoleLogger struct {
	out    io.Writer
	name   string
	info   *color.Color
	warn   *color.Color
	errc   *color.Color
	nowFn  func() time.Time
}

// New returns a ConsoleLogger writing to os.Stderr, named for the
// component that owns it (e.g. "tidtree", "attrtree").
func New(name string) *ConsoleLogger {
	return &ConsoleLogger{
		out:   os.Stderr,
		name:  name,
		info:  color.New(color.FgCyan),
		warn:  color.New(color.FgYellow),
		errc:  color.New(color.FgRed),
		nowFn: time.Now,
	}
}

func (l *ConsoleLogger) line(c *color.Color, level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	prefix := c.Sprintf("[%s]", level)
	fmt.Fprintf(l.out, "%s %s %s: %s\n", l.nowFn().Format(time.RFC3339), prefix, l.name, msg)
}

func (l *ConsoleLogger) Infof(format string, args ...interface{}) {
	l.line(l.info, "INFO", format, args...)
}

func (l *ConsoleLogger) Warningf(format string, args ...interface{}) {
	l.line(l.warn, "WARN", format, args...)
}

func (l *ConsoleLogger) Errorf(format string, args ...interface{}) {
	l.line(l.errc, "ERROR", format, args...)
}

// Noop discards everything; used as the default in tests and by callers
// that have not wired a real logger.
type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})    {}
func (noopLogger) Warningf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{})   {}

// Noop returns a Logger that discards every message.
func Noop() Logger { return noopLogger{} }
