package utils

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Logger is a logrus logger that may own an output file.
type Logger struct {
	*logrus.Logger
	file *os.File
}

// ParseLevel maps trace|debug|info|warn|error|critical onto logrus levels.
// Unknown names fall back to info.
func ParseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "critical", "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// NewFileLogger appends to filePath and optionally mirrors to stdout. An
// empty path logs to stdout only.
func NewFileLogger(filePath string, minLevel logrus.Level, alsoStdout bool, format string) (*Logger, error) {
	l := &Logger{Logger: logrus.New()}
	l.SetLevel(minLevel)
	l.SetFormatter(formatter(format))

	var writers []io.Writer
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		l.file = f
		writers = append(writers, f)
	}
	if alsoStdout || filePath == "" {
		writers = append(writers, os.Stdout)
	}
	l.SetOutput(io.MultiWriter(writers...))
	return l, nil
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func formatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	}
}
