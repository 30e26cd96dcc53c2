package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrOutOfMemory is returned when neither an arena nor the OS can supply memory.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrOverflow is returned when a size computation overflows.
	ErrOverflow = errors.New("allocation size overflow")
	// ErrCorruptedFreeList is reported when a free-list entry fails validation.
	ErrCorruptedFreeList = errors.New("corrupted free list")
	// ErrInvalidFree is returned when freeing an address no live page owns.
	ErrInvalidFree = errors.New("invalid free")
	// ErrDoubleFree is returned when a block is detected as already free.
	ErrDoubleFree = errors.New("double free")
	// ErrClosed is returned when using a closed heap or allocator.
	ErrClosed = errors.New("closed")
	// ErrInvalidArgument is returned for negative sizes or bad alignments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrArenaExhausted is returned when no more arenas can be reserved.
	ErrArenaExhausted = errors.New("arena limit reached")
)

// ErrorCode classifies a report. The values follow the errno numbers the
// conditions are traditionally reported with.
type ErrorCode int

const (
	CodeDoubleFree  ErrorCode = 11 // EAGAIN
	CodeOutOfMemory ErrorCode = 12 // ENOMEM
	CodeCorrupted   ErrorCode = 14 // EFAULT
	CodeInvalidFree ErrorCode = 22 // EINVAL
	CodeOverflow    ErrorCode = 75 // EOVERFLOW
)

func (c ErrorCode) String() string {
	switch c {
	case CodeDoubleFree:
		return "double-free"
	case CodeOutOfMemory:
		return "out-of-memory"
	case CodeCorrupted:
		return "corrupted-free-list"
	case CodeInvalidFree:
		return "invalid-free"
	case CodeOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Severity returns the log level a report with this code is emitted at.
func (c ErrorCode) Severity() slog.Level {
	switch c {
	case CodeCorrupted, CodeDoubleFree, CodeInvalidFree:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Integrity reports whether the code denotes a memory-safety violation
// rather than a resource failure.
func (c ErrorCode) Integrity() bool {
	return c == CodeCorrupted || c == CodeDoubleFree || c == CodeInvalidFree
}

// Err returns the sentinel error matching c.
func (c ErrorCode) Err() error {
	switch c {
	case CodeDoubleFree:
		return ErrDoubleFree
	case CodeOutOfMemory:
		return ErrOutOfMemory
	case CodeCorrupted:
		return ErrCorruptedFreeList
	case CodeInvalidFree:
		return ErrInvalidFree
	case CodeOverflow:
		return ErrOverflow
	default:
		return nil
	}
}

// Report is one condition passed to the error sink.
type Report struct {
	Code    ErrorCode
	Addr    uintptr
	Message string
}

// Reporter receives reports. Implementations must be safe for concurrent use
// and must not allocate from the reporting allocator.
type Reporter interface {
	Report(r Report)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(r Report)

// Report calls f(r).
func (f ReporterFunc) Report(r Report) { f(r) }

// ReportError wraps a report as an error. It is also the panic value when
// integrity violations are configured to abort.
//
// The matching sentinel error can be accessed via errors.Unwrap.
type ReportError struct {
	Report
}

func (e *ReportError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s at %#x: %s", e.Code, e.Addr, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ReportError) Unwrap() error { return e.Code.Err() }

// report sends a report to the configured sink and applies the abort policy.
func (e *Engine) report(code ErrorCode, addr uintptr, format string, args ...any) {
	r := Report{Code: code, Addr: addr, Message: fmt.Sprintf(format, args...)}
	e.stats.countReport(code)

	if e.cfg.Reporter != nil {
		e.cfg.Reporter.Report(r)
	} else if e.allowReport() {
		e.log.Log(context.Background(), code.Severity(), "allocator report",
			"code", code.String(),
			"addr", fmt.Sprintf("%#x", addr),
			"message", r.Message,
		)
	}

	if e.cfg.AbortOnCorruption && code.Integrity() {
		panic(&ReportError{Report: r})
	}
}

func (e *Engine) allowReport() bool {
	if limit := e.cfg.MaxErrorReports; limit > 0 && e.reportsLogged.Add(1) > limit {
		return false
	}
	return e.rc.AllowReport()
}
