package manifest

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = "aaa111\thttp://example.com/a\thttp://web.archive.org/web/2006/a\n" +
	"bbb222\thttp://example.com/b\thttp://web.archive.org/web/2006/b\n"

func TestParse(t *testing.T) {
	t.Parallel()

	entries, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, Entry{
		DocID:      "aaa111",
		URL:        "http://example.com/a",
		ArchiveURL: "http://web.archive.org/web/2006/a",
	}, entries[0])
}

func TestParse_SkipsBlankLines(t *testing.T) {
	t.Parallel()

	entries, err := Parse(strings.NewReader("\n" + sample + "\n"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestParse_MalformedLine(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("only-two\tfields\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 1")
}

func TestLoad_GzipFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manifest.tsv.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	entries, err := Load(context.Background(), path, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "bbb222", entries[1].DocID)
}

func TestLoad_Catalog(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	entries, err := Load(context.Background(), "", srv.URL+"/catalog.tsv")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestLoad_CatalogErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Load(context.Background(), "", srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 503")
}
