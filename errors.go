package gomalloc

import (
	"github.com/hupe1980/gomalloc/internal/engine"
)

var (
	// ErrOutOfMemory is returned when neither an arena nor the OS can supply memory.
	ErrOutOfMemory = engine.ErrOutOfMemory
	// ErrOverflow is returned when count*size overflows.
	ErrOverflow = engine.ErrOverflow
	// ErrCorruptedFreeList is the sentinel of corrupted free list reports.
	ErrCorruptedFreeList = engine.ErrCorruptedFreeList
	// ErrInvalidFree is returned when freeing memory the allocator does not own.
	ErrInvalidFree = engine.ErrInvalidFree
	// ErrDoubleFree is returned when a block is freed twice.
	ErrDoubleFree = engine.ErrDoubleFree
	// ErrClosed is returned when using a closed heap or allocator.
	ErrClosed = engine.ErrClosed
	// ErrInvalidArgument is returned for negative sizes, bad alignments and
	// invalid options.
	ErrInvalidArgument = engine.ErrInvalidArgument
	// ErrArenaExhausted is returned when no more arenas can be reserved.
	ErrArenaExhausted = engine.ErrArenaExhausted
)

// ErrorCode classifies a report passed to a Reporter.
type ErrorCode = engine.ErrorCode

const (
	CodeDoubleFree  = engine.CodeDoubleFree
	CodeOutOfMemory = engine.CodeOutOfMemory
	CodeCorrupted   = engine.CodeCorrupted
	CodeInvalidFree = engine.CodeInvalidFree
	CodeOverflow    = engine.CodeOverflow
)

// Report is one condition passed to a Reporter.
type Report = engine.Report

// Reporter receives allocator reports. Implementations must be safe for
// concurrent use.
type Reporter = engine.Reporter

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc = engine.ReporterFunc

// ReportError is the panic value raised for integrity violations when
// WithAbortOnCorruption is enabled.
//
// The matching sentinel error can be accessed via errors.Unwrap.
type ReportError = engine.ReportError
