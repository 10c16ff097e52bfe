package nanokv

import (
	"log"
	"os"
)

// Logger is the minimal logging surface the engine calls into: an info
// line for routine lifecycle events (sector switches, GC passes) and an
// error line for conditions an operator should notice. It mirrors the
// two-level NKV_LOG_I / NKV_LOG_E macros in the original firmware rather
// than adopting a leveled structured-logging package: the reference
// corpus's one logging library (dsoprea/go-logging) centers on a
// panic/recover control flow for error propagation, which conflicts
// directly with this package's single-error-return contract (§7) — see
// DESIGN.md. Embedders that want structured output can adapt any
// logging library to this two-method interface.
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger is the default Logger, writing through the standard
// library's log package to os.Stderr with level prefixes.
type stdLogger struct {
	l *log.Logger
}

// NewStdLogger returns a Logger backed by the standard library's log
// package. It is what New uses when Options.Logger is left nil.
func NewStdLogger() Logger {
	return &stdLogger{l: log.New(os.Stderr, "nanokv: ", log.LstdFlags)}
}

func (s *stdLogger) Infof(format string, args ...any) {
	s.l.Printf("INFO  "+format, args...)
}

func (s *stdLogger) Errorf(format string, args ...any) {
	s.l.Printf("ERROR "+format, args...)
}

// nopLogger discards everything; used when a caller explicitly wants
// silence rather than the default stderr logger.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards all messages.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
