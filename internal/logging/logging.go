// Package logging builds the logrus logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options selects where and how entries are written.
type Options struct {
	Level  string // logrus level name
	Format string // "text" or "json"
	// ProcessLog receives every entry in addition to Console. Empty disables it.
	ProcessLog string
	// ErrorLog receives error-level entries only. Empty disables it.
	ErrorLog string
	Console  io.Writer
}

// Logger bundles the configured logger with the files it holds open.
type Logger struct {
	*logrus.Logger
	closers []io.Closer
}

// Close flushes and closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}

// New builds a logger from opts.
func New(opts Options) (*Logger, error) {
	level, err := logrus.ParseLevel(orDefault(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	l := &Logger{Logger: logrus.New()}
	l.SetLevel(level)
	l.SetFormatter(formatter(opts.Format))

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	out := console

	if opts.ProcessLog != "" {
		f, err := openAppend(opts.ProcessLog)
		if err != nil {
			return nil, err
		}
		l.closers = append(l.closers, f)
		out = io.MultiWriter(console, f)
	}
	l.SetOutput(out)

	if opts.ErrorLog != "" {
		f, err := openAppend(opts.ErrorLog)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.closers = append(l.closers, f)
		l.AddHook(&ErrorFileHook{Writer: f, Formatter: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}})
	}
	return l, nil
}

func formatter(name string) logrus.Formatter {
	if name == "json" {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ErrorFileHook copies error, fatal and panic entries to a separate writer.
type ErrorFileHook struct {
	Writer    io.Writer
	Formatter logrus.Formatter
	mu        sync.Mutex
}

func (h *ErrorFileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *ErrorFileHook) Fire(e *logrus.Entry) error {
	b, err := h.Formatter.Format(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Writer.Write(b)
	return err
}
