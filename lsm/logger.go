package lsm

import "log"

// Logger is the two-method interface the engine logs background events
// through (compaction failures, level updates). It is satisfied trivially
// by the standard library's *log.Logger via NewStdLogger; callers that
// already have their own logging stack can adapt it instead.
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type stdLogger struct {
	l *log.Logger
}

// NewStdLogger adapts a standard library *log.Logger to Logger.
func NewStdLogger(l *log.Logger) Logger {
	return stdLogger{l: l}
}

func (s stdLogger) Infof(format string, args ...any) {
	s.l.Printf("INFO "+format, args...)
}

func (s stdLogger) Errorf(format string, args ...any) {
	s.l.Printf("ERROR "+format, args...)
}

// discardLogger is the default when no WithLogger option is given: info is
// dropped, errors still reach the standard logger so a background
// compaction failure is never silent.
type discardLogger struct{}

func (discardLogger) Infof(format string, args ...any) {}

func (discardLogger) Errorf(format string, args ...any) {
	log.Printf("lsm: "+format, args...)
}
