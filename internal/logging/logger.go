// Package logging wraps zerolog with component-scoped loggers and a
// key/value call style shared by every package in the core.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level       string `json:"level"`
	Output      string `json:"output"` // stdout, stderr or a file path
	Component   string `json:"component"`
	IncludeFile bool   `json:"include_file"`
	JSONFormat  bool   `json:"json_format"`
}

// Logger is a component-scoped zerolog logger. Derived loggers share the
// parent's writer and level. The component is written per event rather than
// kept in the zerolog context so WithComponent replaces it.
type Logger struct {
	zl        zerolog.Logger
	component string
}

var (
	std   *Logger
	stdMu sync.RWMutex
)

// ParseLevel maps a config level name to a zerolog level. Unknown names
// fall back to info.
func ParseLevel(s string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func openOutput(name string) io.Writer {
	switch name {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: cannot open %s, using stdout: %v\n", name, err)
		return os.Stdout
	}
	return f
}

// New builds a logger from cfg
func New(cfg *Config) *Logger {
	return NewWithWriter(openOutput(cfg.Output), cfg)
}

// NewWithWriter builds a logger that writes to w
func NewWithWriter(w io.Writer, cfg *Config) *Logger {
	if !cfg.JSONFormat {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zc := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.IncludeFile {
		zc = zc.CallerWithSkipFrameCount(3)
	}
	return &Logger{zl: zc.Logger(), component: cfg.Component}
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Default returns the process-wide logger, creating a JSON stdout logger on
// first use.
func Default() *Logger {
	stdMu.RLock()
	l := std
	stdMu.RUnlock()
	if l != nil {
		return l
	}
	stdMu.Lock()
	defer stdMu.Unlock()
	if std == nil {
		std = New(&Config{Level: "info", Component: "app", JSONFormat: true})
	}
	return std
}

// SetDefault replaces the process-wide logger
func SetDefault(l *Logger) {
	stdMu.Lock()
	std = l
	stdMu.Unlock()
}

// OrDefault returns l, or Default() when l is nil
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}

func (l *Logger) derive(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zl: fn(l.zl.With()).Logger(), component: l.component}
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl, component: component}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithError attaches err under "error". A nil err returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// isPairs reports whether args look like key/value pairs rather than printf
// arguments.
func isPairs(args []interface{}) bool {
	if len(args) < 2 || len(args)%2 != 0 {
		return false
	}
	_, ok := args[0].(string)
	return ok
}

func addField(ev *zerolog.Event, key string, v interface{}) *zerolog.Event {
	switch val := v.(type) {
	case nil:
		return ev.Interface(key, nil)
	case error:
		return ev.Str(key, val.Error())
	case time.Duration:
		return ev.Str(key, val.String())
	default:
		return ev.Interface(key, val)
	}
}

// emit writes msg at lvl. args are key/value pairs when the first one is a
// string and the count is even; otherwise they format msg.
func (l *Logger) emit(lvl zerolog.Level, msg string, args []interface{}) {
	ev := l.zl.WithLevel(lvl)
	if ev == nil {
		return
	}
	if l.component != "" {
		ev = ev.Str("component", l.component)
	}
	if !isPairs(args) {
		if len(args) > 0 {
			msg = fmt.Sprintf(msg, args...)
		}
		ev.Msg(msg)
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = addField(ev, key, args[i+1])
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(zerolog.DebugLevel, msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(zerolog.InfoLevel, msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(zerolog.WarnLevel, msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(zerolog.ErrorLevel, msg, args) }
