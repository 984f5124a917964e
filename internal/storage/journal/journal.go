// ============================================================================
// FEP Participant - Incident Journal
// ============================================================================
//
// Package: internal/storage/journal
// File: journal.go
// Purpose: Append-only, line-delimited JSON record of every incident a
//          participant raised, so a failed run can be inspected afterwards.
//
// Format:
//   {"seq":1,"timestamp":1700000000000,"source":"p1","code":602,...}
//   {"seq":2,...}
//
//   - seq grows by one per record and continues after a reopen
//   - every record carries a CRC32 over seq, code, severity, source and text
//   - Replay stops at the first corrupt record
//
// Batching:
//   Records are buffered and written when the buffer is full, when the
//   flush interval passed, or when the caller forces a flush. Critical
//   incidents are always forced.
//
// ============================================================================

package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// File is the subset of *os.File the journal writes through.
type File interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal is an append-only incident log.
type Journal struct {
	mu           sync.Mutex
	file         File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	buffer        []Record
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Open creates or reopens the journal at path. An existing file is scanned
// so that sequence numbers continue where it stopped.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	var seq uint64
	if last, err := lastRecord(path); err == nil && last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Record, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append assigns the next sequence number to rec and buffers it.
func (j *Journal) Append(rec Record, force bool) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	rec.Seq = j.seq
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	rec.Checksum = Checksum(rec)
	j.buffer = append(j.buffer, rec)

	if force || j.syncOnAppend || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		if err := j.flushLocked(); err != nil {
			return rec.Seq, err
		}
	}
	return rec.Seq, nil
}

// Flush writes all buffered records.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay flushes pending records and feeds every stored record to handler.
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReadFile(j.path, handler)
}

// Rotate moves the current file aside with a timestamp suffix and starts an
// empty journal. It returns the path of the rotated file.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backup := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backup); err != nil {
		return "", err
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	j.lastFlushTime = time.Now()
	return backup, nil
}

// LastSeq returns the sequence number of the newest record.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the file the journal writes to.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	err := j.flushLocked()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.closed = true
	return err
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// ReadFile feeds every record stored at path to handler, verifying each
// checksum. It is used by the CLI without opening the journal for writing.
func ReadFile(path string, handler Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := json.NewDecoder(bufio.NewReader(f))
	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode journal %s: %w", path, err)
		}
		if err := Verify(rec); err != nil {
			return err
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
}

func lastRecord(path string) (*Record, error) {
	var last *Record
	err := ReadFile(path, func(rec Record) error {
		r := rec
		last = &r
		return nil
	})
	return last, err
}
