// Package log builds the process logger from configuration.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eshenhu/doipgw/doip"
	"github.com/eshenhu/doipgw/internal/config"
)

// New returns a logger writing to stdout and, when enabled, a rotating file.
// The returned closer releases the file.
func New(cfg config.LogConfig) (doip.Logger, io.Closer, error) {
	return NewWithOutput(cfg, os.Stdout)
}

// NewWithOutput is New with the console output replaced by w.
func NewWithOutput(cfg config.LogConfig, w io.Writer) (doip.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{w}
	var closer io.Closer = nopCloser{}
	if cfg.File.Enabled {
		fw, err := createFileWriter(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, fw)
		closer = fw
	}

	l := logrus.New()
	l.SetOutput(io.MultiWriter(writers...))
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	return doip.NewLogrusLogger(logrus.NewEntry(l)), closer, nil
}

func parseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}

func createFileWriter(fc config.FileConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,  // megabytes
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays, // days
		Compress:   fc.Compress,
	}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
