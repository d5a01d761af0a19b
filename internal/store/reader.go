package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"github.com/pierrec/lz4/v4"
)

// ScanShard iterates every record in one shard file in append order,
// including duplicates, and calls fn for each. This is the raw read path;
// consumers wanting at-most-one record per doc id should use ScanDir.
func ScanShard(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard %s: %w", path, err)
	}
	defer f.Close()

	// The lz4 reader consumes exactly one frame per Reset; an empty read
	// with no error means the stream ended cleanly between frames.
	zr := lz4.NewReader(f)
	for {
		data, err := io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("read frame from %s: %w", path, err)
		}
		if len(data) == 0 {
			return nil
		}
		if err := decodeLines(data, fn); err != nil {
			return fmt.Errorf("shard %s: %w", path, err)
		}
		zr.Reset(f)
	}
}

func decodeLines(data []byte, fn func(Record) error) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ScanDir iterates every shard under dir in lexical order and calls fn
// once per doc id, keeping the first record seen for an id and dropping
// later duplicates. This is the interface boundary for downstream dataset
// builders, which must not observe the store's at-least-once appends.
func ScanDir(dir string, fn func(Record) error) error {
	shards, err := shardPaths(dir)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, path := range shards {
		err := ScanShard(path, func(rec Record) error {
			if _, dup := seen[rec.DocID]; dup {
				return nil
			}
			seen[rec.DocID] = struct{}{}
			return fn(rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Compact rewrites every shard under dir with duplicate doc ids removed,
// keeping the first record per id. Each shard is rewritten to a temp file
// and renamed into place while holding that shard's lock, so concurrent
// readers see either the old or the new file, never a partial one.
// It returns the number of duplicate records dropped.
func Compact(dir string) (int, error) {
	shards, err := shardPaths(dir)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, path := range shards {
		n, err := compactShard(path)
		if err != nil {
			return dropped, err
		}
		dropped += n
	}
	return dropped, nil
}

func compactShard(path string) (int, error) {
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("lock shard %s: %w", path, err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	seen := make(map[string]struct{})
	var out bytes.Buffer
	dropped := 0
	err := ScanShard(path, func(rec Record) error {
		if _, dup := seen[rec.DocID]; dup {
			dropped++
			return nil
		}
		seen[rec.DocID] = struct{}{}
		frame, err := encodeFrame(rec)
		if err != nil {
			return err
		}
		_, err = out.Write(frame)
		return err
	})
	if err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, nil
	}

	tmp := path + ".compact"
	if err := os.WriteFile(tmp, out.Bytes(), 0o640); err != nil {
		return 0, fmt.Errorf("write compacted shard %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replace shard %s: %w", path, err)
	}
	return dropped, nil
}

func shardPaths(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+shardSuffix))
	if err != nil {
		return nil, fmt.Errorf("list shards in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}
