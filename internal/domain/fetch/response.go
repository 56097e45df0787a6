package fetch

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Response is a fully buffered response that can be cloned into a cache
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	CachedAt time.Time   `json:"cached_at,omitempty"`
}

// OK reports a 200 status; only those are written to a cache
func (r *Response) OK() bool {
	return r.Status == http.StatusOK
}

// IsHTML reports whether the response carries an HTML document
func (r *Response) IsHTML() bool {
	return strings.Contains(r.Header.Get("Content-Type"), "text/html")
}

// Clone returns a deep copy so cache writes never share buffers with callers
func (r *Response) Clone() *Response {
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     body,
		CachedAt: r.CachedAt,
	}
}

// StatusText returns the status code with its reason phrase
func (r *Response) StatusText() string {
	return fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status))
}
