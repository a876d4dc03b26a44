package store

import "go.uber.org/zap"

// badgerLogger 将 Badger 内部日志桥接到 zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func newBadgerLogger(l *zap.Logger) *badgerLogger {
	return &badgerLogger{s: l.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
