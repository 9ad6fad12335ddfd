package urlfetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

var charsetParam = regexp.MustCompile(`(?i)charset\s*=\s*["']?([\w.:-]+)`)

// readBody drains resp.Body, undoing a gzip or deflate Content-Encoding the
// transport left in place.
func readBody(resp *http.Response) ([]byte, error) {
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.Uncompressed {
		return blob, nil
	}

	switch ce := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); ce {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer zr.Close()
		return inflate(ce, zr)
	case "deflate":
		// servers disagree on whether deflate means zlib-wrapped or bare
		if zr, err := zlib.NewReader(bytes.NewReader(blob)); err == nil {
			defer zr.Close()
			return inflate(ce, zr)
		}
		fr := flate.NewReader(bytes.NewReader(blob))
		defer fr.Close()
		return inflate(ce, fr)
	default:
		return blob, nil
	}
}

func inflate(encoding string, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s body: %w", encoding, err)
	}
	return data, nil
}

// declaredCharset extracts the charset parameter of a Content-Type header.
func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return cs
		}
		return ""
	}
	if m := charsetParam.FindStringSubmatch(contentType); m != nil {
		return m[1]
	}
	return ""
}

// decodeContent turns a payload into Content. Raw requests get the bytes
// untouched; everything else is decoded to UTF-8 using the server-declared
// charset, then the requested one. Invalid sequences become U+FFFD.
func decodeContent(data []byte, contentType, requested string) *Content {
	if strings.EqualFold(requested, RawEncoding) {
		return &Content{Data: data, Raw: true}
	}

	label := declaredCharset(contentType)
	enc, name := lookupEncoding(label)
	if enc == nil {
		enc, name = lookupEncoding(requested)
	}
	if enc == nil {
		return &Content{Data: toValidUTF8(data), Charset: "utf-8"}
	}

	text, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return &Content{Data: toValidUTF8(data), Charset: "utf-8"}
	}
	return &Content{Data: toValidUTF8(text), Charset: name}
}

func lookupEncoding(label string) (encoding.Encoding, string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, ""
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, ""
	}
	return enc, name
}

func toValidUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	return bytes.ToValidUTF8(b, []byte("�"))
}
