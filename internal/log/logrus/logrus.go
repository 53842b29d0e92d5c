// Package logrus implements the log.Logger interface on top of sirupsen/logrus.
package logrus

import (
	"github.com/sirupsen/logrus"

	"scriptnerd/internal/log"
)

type logger struct {
	*logrus.Entry
}

// NewLogrus returns a log.Logger backed by a logrus entry.
func NewLogrus(l *logrus.Entry) log.Logger {
	return logger{Entry: l}
}

func (l logger) WithValues(kv log.Kv) log.Logger {
	newLogger := l.Entry.WithFields(kv)
	return NewLogrus(newLogger)
}

func (l logger) Infof(format string, args ...interface{}) { l.Entry.Infof(format, args...) }
func (l logger) Warningf(format string, args ...interface{}) {
	l.Entry.Warningf(format, args...)
}
func (l logger) Errorf(format string, args ...interface{}) { l.Entry.Errorf(format, args...) }
func (l logger) Debugf(format string, args ...interface{}) { l.Entry.Debugf(format, args...) }
