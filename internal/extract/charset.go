package extract

import (
	"bytes"
	"io"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// decodedReader sniffs the character encoding of body once and returns a
// reader producing UTF-8. The transform reader decodes in chunks and holds
// back trailing bytes of a multi-byte sequence that straddles a chunk
// boundary instead of surfacing a decode error.
func decodedReader(body []byte) io.Reader {
	raw := bytes.NewReader(body)
	enc := sniffEncoding(body)
	if enc == nil {
		return raw
	}
	return transform.NewReader(raw, enc.NewDecoder())
}

func sniffEncoding(body []byte) encoding.Encoding {
	res, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || res == nil || res.Charset == "" {
		return nil
	}
	if enc, err := htmlindex.Get(res.Charset); err == nil {
		return enc
	}
	// chardet reports a few names (e.g. GB-18030) the WHATWG index does
	// not know; the IANA index covers those.
	if enc, err := ianaindex.IANA.Encoding(res.Charset); err == nil && enc != nil {
		return enc
	}
	return nil
}
