package core

import (
	"io"
	"log"
)

// Logger is the minimal surface the core uses for background-duty
// diagnostics (autovacuum sweeps, eviction passes, flush failures). It is
// satisfied by *log.Logger; embedding programs that want no output at all
// get that by default (discardLogger), matching an embeddable library's
// expectation of being silent unless asked otherwise.
type Logger interface {
	Printf(format string, v ...any)
}

func discardLogger() Logger {
	return log.New(io.Discard, "", 0)
}
