package journal

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
)

var (
	// ErrChecksumMismatch means a record was altered after it was written.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal: already closed")
)

// Record is one incident as stored in the journal, one JSON object per line.
type Record struct {
	Seq         uint64 `json:"seq"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
	Source      string `json:"source"`    // participant name
	Origin      string `json:"origin,omitempty"`
	Code        int    `json:"code"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Checksum    uint32 `json:"checksum"`
}

// Handler consumes records during Replay.
type Handler func(rec Record) error

// Checksum computes the CRC32 of the identifying fields of rec. The
// timestamp is left out.
func Checksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(rec.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(rec.Code)))
	h.Write([]byte{0})
	h.Write([]byte(rec.Severity))
	h.Write([]byte{0})
	h.Write([]byte(rec.Source))
	h.Write([]byte{0})
	h.Write([]byte(rec.Description))
	return h.Sum32()
}

// Verify reports whether the stored checksum of rec matches its content.
func Verify(rec Record) error {
	if want := Checksum(rec); want != rec.Checksum {
		return fmt.Errorf("%w at seq=%d (expected=0x%08x, got=0x%08x)", ErrChecksumMismatch, rec.Seq, want, rec.Checksum)
	}
	return nil
}
