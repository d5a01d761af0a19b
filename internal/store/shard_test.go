package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func rec(id, text string) Record {
	return Record{
		DocID:      id,
		URL:        "http://example.com/" + id,
		ArchiveURL: "https://web.archive.org/web/2006/" + id,
		Title:      "title " + id,
		Text:       text,
	}
}

func TestShardKey_Pure(t *testing.T) {
	t.Parallel()

	require.Equal(t, "8", ShardKey("80445ed4fc45"))
	require.Equal(t, "8", ShardKey("80445ed4fc45"))
	require.Equal(t, "a", ShardKey("abc"))
	require.Equal(t, "_", ShardKey(""))
}

func TestWriter_AppendAndScanShard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(rec("a1", "first body")))
	require.NoError(t, w.Append(rec("a2", "second body")))

	var got []Record
	require.NoError(t, ScanShard(w.ShardPath("a1"), func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	require.Equal(t, "a1", got[0].DocID)
	require.Equal(t, "second body", got[1].Text)
}

func TestWriter_SameIDAlwaysSameShard(t *testing.T) {
	t.Parallel()

	w1, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	w2, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.Contains(t, w1.ShardPath("deadbeef"), "d.jsonl.lz4")
	require.Contains(t, w2.ShardPath("deadbeef"), "d.jsonl.lz4")
}

func TestScanDir_DeduplicatesKeepFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(rec("a1", "original")))
	require.NoError(t, w.Append(rec("b1", "other shard")))
	require.NoError(t, w.Append(rec("a1", "duplicate from retry")))

	byID := map[string]Record{}
	require.NoError(t, ScanDir(dir, func(r Record) error {
		_, dup := byID[r.DocID]
		require.False(t, dup, "ScanDir surfaced a duplicate for %s", r.DocID)
		byID[r.DocID] = r
		return nil
	}))
	require.Len(t, byID, 2)
	require.Equal(t, "original", byID["a1"].Text)
}

func TestCompact_RemovesDuplicates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(rec("a1", "keep me")))
	require.NoError(t, w.Append(rec("a1", "drop me")))
	require.NoError(t, w.Append(rec("a2", "untouched")))

	before, err := os.Stat(w.ShardPath("a1"))
	require.NoError(t, err)

	dropped, err := Compact(dir)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	after, err := os.Stat(w.ShardPath("a1"))
	require.NoError(t, err)
	require.Less(t, after.Size(), before.Size())

	var got []Record
	require.NoError(t, ScanShard(w.ShardPath("a1"), func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	require.Equal(t, "keep me", got[0].Text)
	require.Equal(t, "untouched", got[1].Text)

	dropped, err = Compact(dir)
	require.NoError(t, err)
	require.Zero(t, dropped)
}
