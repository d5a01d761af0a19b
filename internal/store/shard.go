// Package store persists harvested documents into per-shard append-only
// files. Each shard is a concatenation of independently-compressed lz4
// frames, one newline-terminated JSON record per frame, so a reader can
// stop at any append boundary and still see only whole records.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pierrec/lz4/v4"
)

// Record is one harvested document. Title and Text hold whitespace-joined
// token sequences; records are immutable once appended.
type Record struct {
	DocID      string `json:"doc_id"`
	URL        string `json:"url"`
	ArchiveURL string `json:"wb_url"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

const shardSuffix = ".jsonl.lz4"

// ShardKey maps a doc id to its shard name. It is a pure function of the
// id so the same document always targets the same file across runs and
// processes.
func ShardKey(docID string) string {
	if docID == "" {
		return "_"
	}
	return docID[:1]
}

// Writer appends records to the shard files under dir.
type Writer struct {
	dir string
}

// NewWriter creates dir if needed and returns a Writer rooted there.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create shard dir %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Append serializes rec as one compressed frame and appends it to the
// record's shard under an exclusive file lock scoped to this single
// append. Other processes may have grown the file since it was last
// observed; opening with O_APPEND always writes at the current end.
// Appends are at-least-once: a crash after Append but before the id is
// durably marked complete can repeat the record on a later retry.
func (w *Writer) Append(rec Record) error {
	frame, err := encodeFrame(rec)
	if err != nil {
		return err
	}
	path := w.ShardPath(rec.DocID)

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock shard %s: %w", path, err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open shard %s: %w", path, err)
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return fmt.Errorf("append to shard %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close shard %s: %w", path, err)
	}
	return nil
}

// ShardPath returns the shard file a doc id resolves to.
func (w *Writer) ShardPath(docID string) string {
	return filepath.Join(w.dir, ShardKey(docID)+shardSuffix)
}

func encodeFrame(rec Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", rec.DocID, err)
	}
	payload = append(payload, '\n')

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress record %s: %w", rec.DocID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish frame for %s: %w", rec.DocID, err)
	}
	return buf.Bytes(), nil
}
