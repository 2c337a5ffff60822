// Package snapshot captures HTTP responses into replayable, storable values.
//
// A response body can be read only once. Capture reads it into memory and puts
// a fresh reader back on the response, so the caller still gets a usable
// response while the snapshot holds its own copy.
package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Type tells how much of a response could be inspected when it was received.
type Type string

const (
	// Same-scope response, fully inspectable.
	TypeBasic Type = "basic"
	// Cross-scope response that is still readable.
	TypeCORS Type = "cors"
	// Cross-scope response that cannot be told apart from an error.
	TypeOpaque Type = "opaque"
)

// Snapshot is an immutable capture of a network response.
type Snapshot struct {
	URL        string      `msgpack:"url"`
	Type       Type        `msgpack:"type"`
	StatusCode int         `msgpack:"status"`
	Header     http.Header `msgpack:"header"`
	Body       []byte      `msgpack:"body"`
	// The value of the clock when the response was captured.
	CapturedAt time.Time `msgpack:"captured_at"`
}

// Capture copies the response into a snapshot.
// When it returns, the response body is rewound so that it can still be sent to the client.
func Capture(res *http.Response, typ Type) (Snapshot, error) {
	if res == nil {
		return Snapshot{}, fmt.Errorf("Cannot capture nil response")
	}
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return Snapshot{}, fmt.Errorf("Could not read response body: %w", err)
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	s := Snapshot{
		Type:       typ,
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
		CapturedAt: time.Now(),
	}
	if s.Header == nil {
		s.Header = http.Header{}
	}
	if res.Request != nil && res.Request.URL != nil {
		s.URL = res.Request.URL.String()
	}
	return s, nil
}

// Response builds a new response from the snapshot.
// Every call returns an independent response with its own body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Encode serializes the snapshot for storage.
func Encode(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

// Decode deserializes a snapshot previously serialized with Encode.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	err := msgpack.Unmarshal(b, &s)
	return s, err
}
