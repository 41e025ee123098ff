// Package reply serializes endpoint results and errors into response bodies
// whose size is known before anything is written.
package reply

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/dreamware/testserver/internal/apierr"
)

// Envelope keys.
const (
	KeyError   = "error"
	KeyDomain  = "domain"
	KeyCode    = "code"
	KeyMessage = "message"
)

// Reply is a serialized response body.
type Reply struct {
	body   []byte
	reader *bytes.Reader
}

// Build serializes result. A nil result becomes an empty object.
func Build(result map[string]any) (*Reply, error) {
	if result == nil {
		result = map[string]any{}
	}
	body, err := json.Marshal(result)
	if err != nil {
		return nil, apierr.ServerWrap(err, "Failed to serialize reply")
	}
	return &Reply{body: body}, nil
}

// BuildError serializes the error envelope for err.
func BuildError(err *apierr.Error) (*Reply, error) {
	return Build(map[string]any{KeyError: ErrorBody(err)})
}

// ErrorBody is the shared error shape used in envelopes and inside status
// results.
func ErrorBody(err *apierr.Error) map[string]any {
	return map[string]any{
		KeyDomain:  err.Domain,
		KeyCode:    err.Code,
		KeyMessage: err.Message,
	}
}

// Size is the exact length of the body in bytes.
func (r *Reply) Size() int { return len(r.body) }

// Content returns a reader over the body. Each call rewinds to the start.
func (r *Reply) Content() io.Reader {
	r.reader = bytes.NewReader(r.body)
	return r.reader
}

// Close releases the body.
func (r *Reply) Close() error {
	r.body = nil
	r.reader = nil
	return nil
}
