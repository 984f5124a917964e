package journal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(code int, text string) Record {
	return Record{Source: "p1", Code: code, Severity: "Warning", Description: text}
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.jsonl")
	j, err := Open(path, false)
	require.NoError(t, err)

	seq, err := j.Append(record(602, "out of order"), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	seq, err = j.Append(record(621, "input too old"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	var got []Record
	require.NoError(t, j.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, 602, got[0].Code)
	assert.Equal(t, "input too old", got[1].Description)
	assert.NotZero(t, got[0].Timestamp)
	require.NoError(t, j.Close())
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.jsonl")
	j, err := Open(path, true)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := j.Append(record(3, "warning"), false)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j, err = Open(path, true)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(3), j.LastSeq())

	seq, err := j.Append(record(4, "info"), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestReadFileDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.jsonl")
	j, err := Open(path, true)
	require.NoError(t, err)
	_, err = j.Append(record(640, "no acks"), true)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(raw), "no acks", "all fine", 1)), 0644))

	err = ReadFile(path, func(Record) error { return nil })
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.jsonl")
	j, err := Open(path, false)
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Append(record(5, "critical"), false)
	require.NoError(t, err)

	backup, err := j.Rotate()
	require.NoError(t, err)
	assert.FileExists(t, backup)
	assert.Equal(t, uint64(0), j.LastSeq())

	n := 0
	require.NoError(t, ReadFile(backup, func(Record) error { n++; return nil }))
	assert.Equal(t, 1, n, "rotated file keeps the buffered record")

	n = 0
	require.NoError(t, j.Replay(func(Record) error { n++; return nil }))
	assert.Zero(t, n)
}

func TestClosedJournal(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "incidents.jsonl"), false)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(record(3, "late"), false)
	assert.True(t, errors.Is(err, ErrClosed))
}
