package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fluxway/fluxway/pkg/stream"
)

type walOp string

const (
	opAppend  walOp = "append"
	opDeliver walOp = "deliver"
	opAck     walOp = "ack"
	opTrim    walOp = "trim"
)

var errWALClosed = errors.New("stream WAL closed")

// walEntry is one JSON line in the write-ahead log.
type walEntry struct {
	Op        walOp            `json:"op"`
	Partition stream.Partition `json:"partition"`
	Record    *stream.Record   `json:"record,omitempty"`
	Group     string           `json:"group,omitempty"`
	Consumer  string           `json:"consumer,omitempty"`
	RecordID  string           `json:"record_id,omitempty"`
	At        time.Time        `json:"at,omitempty"`
	Count     int              `json:"count,omitempty"`
	BelowSeq  int64            `json:"below_seq,omitempty"`
}

type walFile struct {
	path   string
	file   *os.File
	closed bool
}

func openWAL(dir string) (*walFile, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "stream.wal")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", path, err)
	}

	return &walFile{path: path, file: file}, nil
}

// replay feeds every recorded entry to apply, oldest first. Truncated or
// corrupt trailing lines (a crash mid-write) are skipped.
func (w *walFile) replay(apply func(walEntry)) error {
	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		var entry walEntry

		err := json.Unmarshal(scanner.Bytes(), &entry)
		if err != nil {
			continue
		}

		apply(entry)
	}

	return scanner.Err()
}

// write appends one entry and syncs it to disk before returning. Append
// durability depends on this: no sync, no publish receipt.
func (w *walFile) write(entry walEntry) error {
	if w.closed {
		return errWALClosed
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = w.file.Write(append(line, '\n'))
	if err != nil {
		return err
	}

	return w.file.Sync()
}

func (w *walFile) close() error {
	if w.closed {
		return errWALClosed
	}

	w.closed = true

	return w.file.Close()
}
