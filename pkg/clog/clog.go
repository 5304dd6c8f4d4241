package clog

import (
	"fmt"
	"io"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
)

// ContextLogger hands out one logger per gateway component ("router", "xfer", "locks",
// ...). Components share the global handler unless routed to their own writer, and log at
// the global level unless given a level of their own.
type ContextLogger struct {
	mu      sync.RWMutex
	format  string
	handler log.Handler
	level   log.Level

	loggers map[string]*log.Logger
	levels  map[string]log.Level
	routed  map[string]bool
}

const GlobalLoggerCtx = "global"

// ComponentField is the entry field naming the component that logged.
const ComponentField = "ctx"

const (
	FormatText = "text"
	FormatJSON = "json"
)

func NewContextLogger(w io.WriteCloser) *ContextLogger {
	return &ContextLogger{
		format:  FormatText,
		handler: NewHandler(w),
		level:   log.InfoLevel,
		loggers: make(map[string]*log.Logger),
		levels:  make(map[string]log.Level),
		routed:  make(map[string]bool),
	}
}

func newFormatHandler(format string, w io.WriteCloser) (log.Handler, error) {
	switch format {
	case FormatText, "":
		return NewHandler(w), nil
	case FormatJSON:
		return json.New(w), nil
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
}

// SetFormat replaces the shared handler. Components routed to their own writer keep it
// but switch format on their next AddLoggingContext.
func (l *ContextLogger) SetFormat(format string, w io.WriteCloser) error {
	handler, err := newFormatHandler(format, w)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if format == "" {
		format = FormatText
	}
	l.format = format
	l.handler = handler
	for ctx, logger := range l.loggers {
		if !l.routed[ctx] {
			logger.Handler = handler
		}
	}

	return nil
}

// AddLoggingContext sends a component's entries to w instead of the shared output.
func (l *ContextLogger) AddLoggingContext(ctx string, w io.WriteCloser) {
	l.mu.Lock()
	defer l.mu.Unlock()

	handler, _ := newFormatHandler(l.format, w)
	l.loggers[ctx] = &log.Logger{Handler: handler, Level: l.levelFor(ctx)}
	l.routed[ctx] = true
}

// RemoveLoggingContext closes a component's own writer and sends it back to the shared
// output.
func (l *ContextLogger) RemoveLoggingContext(ctx string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.routed[ctx] {
		return
	}

	if h, ok := l.loggers[ctx].Handler.(*Handler); ok {
		h.Close()
	}

	delete(l.loggers, ctx)
	delete(l.routed, ctx)
}

// SetLevel sets the level of one component, or with GlobalLoggerCtx the level of every
// component that has none of its own.
func (l *ContextLogger) SetLevel(ctx string, level log.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ctx == GlobalLoggerCtx {
		l.level = level
	} else {
		l.levels[ctx] = level
	}

	for name, logger := range l.loggers {
		logger.Level = l.levelFor(name)
	}
}

func (l *ContextLogger) SetLevelFromString(ctx, s string) error {
	level, err := log.ParseLevel(s)
	if err != nil {
		return err
	}

	l.SetLevel(ctx, level)

	return nil
}

// levelFor must be called with l.mu held.
func (l *ContextLogger) levelFor(ctx string) log.Level {
	if level, ok := l.levels[ctx]; ok {
		return level
	}

	return l.level
}

// UsingCtx returns an entry tagged with the component name.
func (l *ContextLogger) UsingCtx(ctx string) *log.Entry {
	l.mu.RLock()
	logger, ok := l.loggers[ctx]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		if logger, ok = l.loggers[ctx]; !ok {
			logger = &log.Logger{Handler: l.handler, Level: l.levelFor(ctx)}
			l.loggers[ctx] = logger
		}
		l.mu.Unlock()
	}

	return logger.WithField(ComponentField, ctx)
}

func (l *ContextLogger) Global() *log.Entry {
	return l.UsingCtx(GlobalLoggerCtx)
}
