// Structured logging for the plotter host
//
// Leveled, per-component loggers with key/value fields. Output is either
// human-readable text (colored on a terminal) or one JSON object per line.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a LogLevel. Unknown names map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sink is shared by every logger derived from the same root so that
// concurrent writers never interleave partial lines.
type sink struct {
	mu         sync.Mutex
	writer     io.Writer
	level      LogLevel
	timeFormat string
	colorize   bool
	format     OutputFormat
	caller     bool
}

// Logger writes leveled messages for one component
type Logger struct {
	prefix string
	fields Fields
	out    *sink
}

// Entry is a pending log line carrying fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger

	ansiColors = map[LogLevel]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
	ansiReset = "\x1b[0m"
)

// New creates a logger writing to stderr at INFO level
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		out: &sink{
			writer:     os.Stderr,
			level:      INFO,
			timeFormat: "2006-01-02 15:04:05.000",
			colorize:   os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stderr.Fd())),
			format:     FormatText,
		},
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

// SetWriter sets the output writer
func (l *Logger) SetWriter(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.writer = w
}

// SetColorize enables or disables ANSI colors in text output
func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.colorize = enable
}

// SetFormat sets the output format
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.format = format
}

// SetCaller enables or disables file:line in log output
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.caller = enable
}

// WithPrefix returns a logger for another component sharing this output
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, fields: l.fields, out: l.out}
}

// With returns a logger that attaches fields to every line
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{prefix: l.prefix, fields: merged, out: l.out}
}

// Prefix returns the component name
func (l *Logger) Prefix() string {
	return l.prefix
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", errString(err))
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, sprintf(msg, args), nil) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(INFO, sprintf(msg, args), nil) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(WARN, sprintf(msg, args), nil) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, sprintf(msg, args), nil) }

// Enabled reports whether level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

func (l *Logger) emit(level LogLevel, msg string, fields Fields) {
	s := l.out
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	all := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}

	var caller string
	if s.caller {
		caller = callerOf(3)
	}

	var line string
	if s.format == FormatJSON {
		line = l.jsonLine(level, msg, caller, all)
	} else {
		line = l.textLine(s, level, msg, caller, all)
	}
	_, _ = io.WriteString(s.writer, line)
}

func (l *Logger) textLine(s *sink, level LogLevel, msg, caller string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(time.Now().Format(s.timeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level.String())
	if s.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(l.prefix)
	if s.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if caller != "" {
		sb.WriteString(" (" + caller + ")")
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return sb.String()
}

// JSONLogEntry is the structure for JSON formatted log entries
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) jsonLine(level LogLevel, msg, caller string, fields Fields) string {
	entry := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Caller:    caller,
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","message":"unencodable log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(Fields{key: value})
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", errString(err))
}

func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.emit(INFO, msg, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.emit(WARN, msg, e.fields) }
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, e.fields) }

func (e *Entry) Debugf(format string, args ...interface{}) {
	e.logger.emit(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.emit(INFO, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.emit(WARN, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.emit(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// SetDefaultLogger replaces the root logger used by GetLogger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger returns a component logger derived from the root logger
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("axi")
		ConfigureFromEnv(defaultLogger)
	}
	return defaultLogger.WithPrefix(prefix)
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	l := New("discard")
	l.SetWriter(io.Discard)
	l.SetLevel(ERROR + 1)
	return l
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - AXI_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - AXI_LOG_FORMAT: text, json
//   - AXI_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if v := os.Getenv("AXI_LOG_LEVEL"); v != "" {
		l.SetLevel(ParseLevel(v))
	}
	if v := os.Getenv("AXI_LOG_FORMAT"); v != "" {
		l.SetFormat(ParseFormat(v))
	}
	if os.Getenv("AXI_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}

func sprintf(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
