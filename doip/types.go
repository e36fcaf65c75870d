package doip

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger interface should be implemented by the client
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	WithField(key string, value interface{}) Logger
}

// NewLogger creates a new logger instance writing text records at debug level to w.
func NewLogger(w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	return NewLogrusLogger(logrus.NewEntry(l))
}

// NewLogrusLogger adapts a configured logrus entry.
func NewLogrusLogger(e *logrus.Entry) Logger {
	return &logger{entry: e}
}

// discardLogger is used when a component is built without a logger.
func discardLogger() Logger {
	return NewLogger(io.Discard)
}

type logger struct {
	entry *logrus.Entry
}

func (l *logger) Debug(v ...interface{}) { l.entry.Debug(v...) }

func (l *logger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }

func (l *logger) Info(v ...interface{}) { l.entry.Info(v...) }

func (l *logger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }

func (l *logger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }

func (l *logger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *logger) WithField(key string, value interface{}) Logger {
	return &logger{entry: l.entry.WithField(key, value)}
}
