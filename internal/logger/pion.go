package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion's internal logging into zap, one named logger per
// pion scope (ice, dtls, sctp, ...).
type PionFactory struct {
	base *zap.SugaredLogger
}

// NewPionFactory wraps base. Pion's trace level maps onto zap debug.
func NewPionFactory(base *zap.Logger) *PionFactory {
	return &PionFactory{base: base.Named("pion").Sugar()}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.base.Named(scope)}
}

type pionLogger struct {
	log *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
