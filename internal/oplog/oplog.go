// Package oplog is the append-only operation log each actor keeps as
// evidence of the state transitions it went through.
package oplog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/davischen/twopc/internal/message"
)

// ErrLocked is returned by Open when another writer holds the file.
var ErrLocked = fmt.Errorf("oplog: file is locked by another writer")

// Record is one line of the log.
type Record struct {
	Seq      uint64       `json:"seq"`
	Kind     message.Kind `json:"kind"`
	TxID     string       `json:"txid"`
	SenderID string       `json:"senderid"`
	OpID     uint32       `json:"opid"`
}

// OpLog is a single-writer log file. Every append is flushed and synced
// before it returns, so a separate process can read it after this one exits.
type OpLog struct {
	path string
	file *os.File
	lock *flock.Flock
	w    *bufio.Writer
	enc  *json.Encoder
	seq  uint64
}

// Path names the log file of actor inside dir.
func Path(dir, actor string) string {
	return filepath.Join(dir, actor+".log")
}

// Open creates or truncates the log at path. The parent directory must exist.
func Open(path string) (*OpLog, error) {
	lock := flock.NewFlock(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		return nil, errors.Wrap(ErrLocked, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, errors.Wrapf(err, "open %s", path)
	}

	w := bufio.NewWriter(f)
	return &OpLog{
		path: path,
		file: f,
		lock: lock,
		w:    w,
		enc:  json.NewEncoder(w),
	}, nil
}

func (l *OpLog) Path() string {
	return l.path
}

// Append writes one record.
func (l *OpLog) Append(kind message.Kind, txid, senderID string, opID uint32) error {
	l.seq++
	rec := Record{
		Seq:      l.seq,
		Kind:     kind,
		TxID:     txid,
		SenderID: senderID,
		OpID:     opID,
	}
	if err := l.enc.Encode(&rec); err != nil {
		return errors.Wrapf(err, "encode record %d to %s", rec.Seq, l.path)
	}
	if err := l.w.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", l.path)
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", l.path)
	}
	return nil
}

// AppendMessage records m as is.
func (l *OpLog) AppendMessage(m message.ProtocolMessage) error {
	return l.Append(m.Kind, m.TxID, m.SenderID, m.OpID)
}

// AppendMessageAs records m under kind instead of its own.
func (l *OpLog) AppendMessageAs(m message.ProtocolMessage, kind message.Kind) error {
	return l.Append(kind, m.TxID, m.SenderID, m.OpID)
}

// Close releases the file and its lock.
func (l *OpLog) Close() error {
	err := l.w.Flush()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	if uerr := l.lock.Unlock(); err == nil {
		err = uerr
	}
	return errors.Wrapf(err, "close %s", l.path)
}

// ReadFile loads every record of the log at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return records, nil
}
