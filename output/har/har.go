// Package har implements the output/har plugin (§6): it serializes
// completed HTTP request/response pairs into a HAR archive, the inverse of
// the teacher's HTTPRequest.FromHAR/HTTPResponse.FromHAR pair in
// gnet/har.go, built on the same github.com/google/martian/v3/har types
// the teacher already depends on.
package har

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/martian/v3/har"
)

// Exchange is one completed HTTP request/response pair, as a protocol
// module's PostProcess hands it to this sink — the inverse shape of the
// teacher's HTTPRequest/HTTPResponse value objects.
type Exchange struct {
	Method      string
	URL         string
	HTTPVersion string
	ReqHeader   http.Header
	ReqBody     []byte

	StatusCode  int
	RespHeader  http.Header
	RespBody    []byte

	StartedAt time.Time
	Duration  time.Duration
}

// Sink accumulates Exchanges into one HAR document, written out on Close.
type Sink struct {
	w io.Writer

	mu      sync.Mutex
	entries []*har.Entry
}

// New builds a Sink that writes its accumulated HAR document to w when
// Close is called.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Add converts ex into a har.Entry and appends it to the document.
func (s *Sink) Add(ex Exchange) {
	entry := &har.Entry{
		StartedDateTime: ex.StartedAt,
		Time:            float64(ex.Duration.Milliseconds()),
		Request:         toHARRequest(ex),
		Response:        toHARResponse(ex),
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

func toHARRequest(ex Exchange) *har.Request {
	req := &har.Request{
		Method:      ex.Method,
		URL:         ex.URL,
		HTTPVersion: ex.HTTPVersion,
		Headers:     toHARHeaders(ex.ReqHeader),
		Cookies:     []har.Cookie{},
	}
	if len(ex.ReqBody) > 0 {
		req.PostData = &har.PostData{
			MimeType: ex.ReqHeader.Get("Content-Type"),
			Text:     string(ex.ReqBody),
		}
	}
	return req
}

func toHARResponse(ex Exchange) *har.Response {
	resp := &har.Response{
		Status:      ex.StatusCode,
		HTTPVersion: ex.HTTPVersion,
		Headers:     toHARHeaders(ex.RespHeader),
	}
	if len(ex.RespBody) > 0 {
		resp.Content = &har.Content{
			Size:     int64(len(ex.RespBody)),
			MimeType: ex.RespHeader.Get("Content-Type"),
			Text:     ex.RespBody,
		}
	}
	return resp
}

func toHARHeaders(h http.Header) []har.Header {
	headers := make([]har.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			headers = append(headers, har.Header{Name: name, Value: v})
		}
	}
	return headers
}

// document is the top-level HAR container. Constructed by hand rather than
// via a martian-exported type, since the pack's usage of the har package
// (gnet/har.go) only ever decodes individual har.Entry values, never a
// full log; the "log"/"version"/"creator" envelope is the stable part of
// the HAR 1.2 schema regardless.
type document struct {
	Log struct {
		Version string      `json:"version"`
		Creator creator     `json:"creator"`
		Entries []*har.Entry `json:"entries"`
	} `json:"log"`
}

type creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Close writes the accumulated entries as one HAR document to w.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{}
	doc.Log.Version = "1.2"
	doc.Log.Creator = creator{Name: "pom", Version: "1"}
	doc.Log.Entries = s.entries

	enc := json.NewEncoder(s.w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
