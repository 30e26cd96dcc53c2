package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/gomalloc/internal/conv"
)

type traceOp uint8

const (
	opMalloc traceOp = iota + 1
	opFree
	opHandoff
	opRemoteFree
)

func (o traceOp) String() string {
	switch o {
	case opMalloc:
		return "malloc"
	case opFree:
		return "free"
	case opHandoff:
		return "handoff"
	case opRemoteFree:
		return "remote-free"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// traceRecord is one operation. Records are 12 bytes on the wire:
// [op uint8][pad uint8][worker uint16][size uint32][seq uint32].
type traceRecord struct {
	Op     traceOp
	Worker uint16
	Size   uint32
	Seq    uint32
}

const recordSize = 12

func newRecord(op traceOp, worker, size, seq int) (traceRecord, error) {
	w, err := conv.IntToUint16(worker)
	if err != nil {
		return traceRecord{}, fmt.Errorf("trace worker: %w", err)
	}
	sz, err := conv.IntToUint32(size)
	if err != nil {
		return traceRecord{}, fmt.Errorf("trace size: %w", err)
	}
	return traceRecord{Op: op, Worker: w, Size: sz, Seq: uint32(seq)}, nil
}

func (r traceRecord) encode(buf []byte) {
	buf[0] = byte(r.Op)
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:], r.Worker)
	binary.LittleEndian.PutUint32(buf[4:], r.Size)
	binary.LittleEndian.PutUint32(buf[8:], r.Seq)
}

func decodeRecord(buf []byte) traceRecord {
	return traceRecord{
		Op:     traceOp(buf[0]),
		Worker: binary.LittleEndian.Uint16(buf[2:]),
		Size:   binary.LittleEndian.Uint32(buf[4:]),
		Seq:    binary.LittleEndian.Uint32(buf[8:]),
	}
}

// traceWriter appends records to a file, compressed according to the file
// extension (.zst or .lz4). It is safe for concurrent use.
type traceWriter struct {
	mu   sync.Mutex
	f    *os.File
	comp io.WriteCloser // nil when uncompressed
	w    *bufio.Writer
	buf  [recordSize]byte
	n    int64
}

func createTrace(path string) (*traceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t := &traceWriter{f: f}

	var out io.Writer = f
	switch filepath.Ext(path) {
	case ".zst", ".zstd":
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		t.comp, out = enc, enc
	case ".lz4":
		lw := lz4.NewWriter(f)
		t.comp, out = lw, lw
	}
	t.w = bufio.NewWriterSize(out, 64<<10)
	return t, nil
}

func (t *traceWriter) record(op traceOp, worker, size, seq int) error {
	if t == nil {
		return nil
	}
	r, err := newRecord(op, worker, size, seq)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r.encode(t.buf[:])
	t.n++
	_, err = t.w.Write(t.buf[:])
	return err
}

func (t *traceWriter) Records() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *traceWriter) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.w.Flush()
	if t.comp != nil {
		err = errors.Join(err, t.comp.Close())
	}
	return errors.Join(err, t.f.Close())
}

// readTrace calls fn for every record of the trace at path.
func readTrace(path string, fn func(traceRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var in io.Reader = f
	switch filepath.Ext(path) {
	case ".zst", ".zstd":
		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		in = dec
	case ".lz4":
		in = lz4.NewReader(f)
	}

	r := bufio.NewReaderSize(in, 64<<10)
	var buf [recordSize]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("truncated trace: %w", err)
		}
		if err := fn(decodeRecord(buf[:])); err != nil {
			return err
		}
	}
}

// traceSummary counts the operations of a trace.
type traceSummary struct {
	Ops     map[traceOp]int64
	Bytes   int64
	Workers int
}

func summarizeTrace(path string) (traceSummary, error) {
	s := traceSummary{Ops: make(map[traceOp]int64)}
	workers := make(map[uint16]struct{})
	err := readTrace(path, func(r traceRecord) error {
		s.Ops[r.Op]++
		if r.Op == opMalloc {
			s.Bytes += int64(r.Size)
		}
		workers[r.Worker] = struct{}{}
		return nil
	})
	s.Workers = len(workers)
	return s, err
}
