package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger writes "[LEVEL] msg key=value ..." lines. Child loggers created with
// With share the parent's level, so SetLevel on the root affects them all.
type Logger struct {
	level  *levelVar
	logger *log.Logger
	fields []Field
}

type levelVar struct {
	mu    sync.RWMutex
	level Level
}

func (v *levelVar) get() Level {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.level
}

func (v *levelVar) set(level Level) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.level = level
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func Init(level Level) {
	once.Do(func() {
		defaultLogger = &Logger{
			level:  &levelVar{level: level},
			logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		}
	})
}

func GetLogger() *Logger {
	Init(LevelInfo)
	return defaultLogger
}

func NewLogger(name string) *Logger {
	return NewLoggerTo(os.Stderr, name)
}

// NewLoggerTo builds a named logger writing to w. It shares the default
// logger's level.
func NewLoggerTo(w io.Writer, name string) *Logger {
	prefix := ""
	if name != "" {
		prefix = "[" + name + "] "
	}
	return &Logger{
		level:  GetLogger().level,
		logger: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{
		level:  &levelVar{level: LevelError + 1},
		logger: log.New(io.Discard, "", 0),
	}
}

// With returns a child logger that appends fields to every line.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{
		level:  l.level,
		logger: l.logger,
		fields: merged,
	}
}

func (l *Logger) SetLevel(level Level) {
	l.level.set(level)
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	if level < l.level.get() {
		return
	}

	levelStr := levelString(level)
	all := fields
	if len(l.fields) > 0 {
		all = append(append([]Field{}, l.fields...), fields...)
	}
	fieldStr := formatFields(all)

	if fieldStr != "" {
		l.logger.Printf("[%s] %s %s", levelStr, msg, fieldStr)
	} else {
		l.logger.Printf("[%s] %s", levelStr, msg)
	}
}

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts debug, info, warn/warning and error, case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q: must be debug, info, warn or error", s)
}

type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(FormatValue(f.Value))
	}
	return b.String()
}

func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t\"") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case uint:
		return fmt.Sprintf("%d", val)
	case uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return fmt.Sprintf("%.2f", float64(val))
	case float64:
		return fmt.Sprintf("%.2f", val)
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func Debug(msg string, fields ...Field) {
	GetLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	GetLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	GetLogger().Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	GetLogger().Error(msg, fields...)
}
