package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"calltimer/internal/config"
)

var (
	mu      sync.RWMutex
	root    = newRoot()
	logFile *lumberjack.Logger
)

func newRoot() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	return logger
}

// Init configures the shared logger from cfg. Loggers handed out by For
// before Init keep working and pick up the new level and outputs.
func Init(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	root.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		root.SetFormatter(&logrus.JSONFormatter{})
	} else {
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
		}
		out = io.MultiWriter(os.Stdout, logFile)
	}
	root.SetOutput(out)
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	root.SetOutput(os.Stdout)
}

// For returns the logger for a named component.
func For(component string) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return root.WithField("component", component)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
