package urlfetch

import (
	"sort"
	"strings"

	"github.com/mailru/easyjson/jwriter"
)

// RawEncoding asks for the untouched response payload instead of decoded text.
const RawEncoding = "raw"

// RequestSpec identifies one outbound request. Two specs with the same field
// values always produce the same Fingerprint.
type RequestSpec struct {
	URL      string
	Encoding string
	Headers  map[string]string
	Body     []byte
	Method   string
	Cookies  map[string]string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
}

// normalize returns a copy with defaults applied and maps/body cloned so the
// caller can no longer mutate what the service holds.
func (s RequestSpec) normalize() RequestSpec {
	out := RequestSpec{
		URL:                s.URL,
		Encoding:           s.Encoding,
		Method:             strings.ToUpper(s.Method),
		Headers:            cloneMap(s.Headers),
		Cookies:            cloneMap(s.Cookies),
		InsecureSkipVerify: s.InsecureSkipVerify,
	}
	if out.Encoding == "" {
		out.Encoding = "utf-8"
	}
	if out.Method == "" {
		out.Method = "GET"
	}
	if len(s.Body) > 0 {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

// Raw reports whether the caller asked for undecoded bytes.
func (s RequestSpec) Raw() bool {
	return strings.EqualFold(s.Encoding, RawEncoding)
}

// Fingerprint serializes the spec into the canonical key used for both the
// cache and the key lock. Field order is fixed and map keys are sorted.
func (s RequestSpec) Fingerprint() string {
	n := s.normalize()

	w := jwriter.Writer{NoEscapeHTML: true}
	w.RawString(`{"url":`)
	w.String(n.URL)
	w.RawString(`,"encoding":`)
	w.String(n.Encoding)
	w.RawString(`,"headers":`)
	writeSortedMap(&w, n.Headers)
	w.RawString(`,"body":`)
	if len(n.Body) == 0 {
		w.RawString("null")
	} else {
		w.Base64Bytes(n.Body)
	}
	w.RawString(`,"method":`)
	w.String(n.Method)
	w.RawString(`,"cookies":`)
	writeSortedMap(&w, n.Cookies)
	w.RawString(`,"verify":`)
	w.Bool(!n.InsecureSkipVerify)
	w.RawByte('}')

	b, _ := w.BuildBytes()
	return string(b)
}

func writeSortedMap(w *jwriter.Writer, m map[string]string) {
	if len(m) == 0 {
		w.RawString("null")
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.RawByte('{')
	for i, k := range keys {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(k)
		w.RawByte(':')
		w.String(m[k])
	}
	w.RawByte('}')
}

func cloneMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
