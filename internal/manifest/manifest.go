// Package manifest reads the docid-to-archive-URL mapping that seeds a
// harvest run. The manifest is newline-delimited `doc_id<TAB>url<TAB>
// archive_url`, optionally gzip-compressed, read from a local file or
// streamed from the remote catalog.
package manifest

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// Entry is one manifest line.
type Entry struct {
	DocID      string
	URL        string
	ArchiveURL string
}

// Parse reads manifest entries from r. Blank lines are skipped; a line
// without three tab-separated fields is a hard error, since a silently
// dropped id would never reach a terminal state.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var entries []Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\n")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("manifest line %d: want 3 tab-separated fields, got %d", lineNo, len(fields))
		}
		entries = append(entries, Entry{
			DocID:      fields[0],
			URL:        fields[1],
			ArchiveURL: fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	return entries, nil
}

// Load opens the manifest from source (a local path, possibly .gz) or,
// when source is empty, streams it from the catalog URL.
func Load(ctx context.Context, source, catalogURL string) ([]Entry, error) {
	if source != "" {
		return loadFile(source)
	}
	return loadCatalog(ctx, catalogURL)
}

func loadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip manifest %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return Parse(r)
}

func loadCatalog(ctx context.Context, url string) ([]Entry, error) {
	if url == "" {
		return nil, fmt.Errorf("no manifest source and no catalog url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog %s: status %d", url, resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if strings.HasSuffix(url, ".gz") && resp.Header.Get("Content-Encoding") == "" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip catalog stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return Parse(r)
}
