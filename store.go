package urlfetch

import (
	"context"
)

// Store defines where fetched content is cached between calls.
// The in-process *Cache is the default; store.RedisStore shares content
// between processes.
type Store interface {
	// Get retrieves live content by fingerprint, or ErrNotFound
	Get(ctx context.Context, key string) (*Content, error)

	// Set stores content under the fingerprint
	Set(ctx context.Context, key string, content *Content) error

	// Remove drops the entry; removing a missing key is not an error
	Remove(ctx context.Context, key string) error
}

// Content is the result of a successful fetch.
type Content struct {
	// Data holds UTF-8 text, or the untouched payload when Raw is set.
	Data    []byte `json:"data"`
	Raw     bool   `json:"raw"`
	Charset string `json:"charset,omitempty"`
}

// String returns the content as text.
func (c *Content) String() string {
	if c == nil {
		return ""
	}
	return string(c.Data)
}

// Len is the payload size in bytes.
func (c *Content) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

// Clone returns a copy that shares no memory with c.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	out := *c
	if c.Data != nil {
		out.Data = append([]byte(nil), c.Data...)
	}
	return &out
}
