package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	logDirEnvVar    = "GRIDQ_LOG_DIR"
	logStderrEnvVar = "GRIDQ_LOG_STDERR"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Category selects the log file a message lands in.
type Category string

const (
	CategoryService Category = "service"
	CategoryQueue   Category = "queue"
)

var (
	categoryMu      sync.Mutex
	categoryLoggers = make(map[Category]*fileLogger)
)

// fileLogger writes formatted lines to a per-category log file. Orchestrators
// often run under batch schedulers with no useful stdout, so file logs are the
// default; GRIDQ_LOG_STDERR=1 additionally echoes every line to stderr.
type fileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        sync.Mutex
	component string
	category  Category
}

// NewCategorizedLogger creates a logger for a specific category and component.
func NewCategorizedLogger(category Category, component string) Logger {
	base := getOrCreateCategoryLogger(category)
	return &fileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
		category:  category,
	}
}

func getOrCreateCategoryLogger(category Category) *fileLogger {
	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}

	logger := newFileLogger(LevelDebug, category)
	categoryLoggers[category] = logger
	return logger
}

func newFileLogger(level Level, category Category) *fileLogger {
	l := &fileLogger{
		level:    level,
		category: category,
	}

	logDir, err := resolveLogDirectory()
	if err != nil {
		log.Printf("Failed to resolve log directory: %v", err)
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return l
	}

	logPath := filepath.Join(logDir, logFileName(category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // We'll format ourselves
	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func logFileName(category Category) string {
	switch category {
	case CategoryQueue:
		return "gridq-queue.log"
	default:
		return "gridq-service.log"
	}
}

// SetLevel sets the minimum level for lines written through this logger.
func (l *fileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// ParseLevel maps a config string to a Level. Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetCategoryLevel sets the minimum level for a category's shared sink.
// Loggers created from the category afterwards inherit the new level.
func SetCategoryLevel(category Category, level Level) {
	getOrCreateCategoryLogger(category).SetLevel(level)
}

func (l *fileLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [QUEUE] [Orchestrator] loop.go:123 - message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "GRIDQ"
	}
	category := strings.ToUpper(string(l.category))
	if category == "" {
		category = "SERVICE"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] [%s] %s:%d - %s\n",
		timestamp, levelString(level), category, component, file, line, message)

	if l.logger != nil {
		l.logger.Print(logLine)
	}
	if os.Getenv(logStderrEnvVar) != "" {
		fmt.Fprint(os.Stderr, logLine)
	}
}

func (l *fileLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

func (l *fileLogger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *fileLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *fileLogger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
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
