// Package log implements the two named "output_log" flavors: text, a
// human-readable one-line-per-record log, and xml, a structured document
// tree — the same pair the original output_log module offers, selected by
// the Encoding passed to New (cmd/pomd's --output-log-format flag) rather
// than a compile-time flag.
package log

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/gopom/pom/output"
	"github.com/gopom/pom/pomerr"
)

// Encoding picks which of the two flavors a Sink renders.
type Encoding int

const (
	Text Encoding = iota
	XML
)

// Sink renders output.Records to an underlying writer in one Encoding.
type Sink struct {
	mu  sync.Mutex
	w   io.Writer
	enc Encoding

	// wroteHeader tracks whether the XML document's opening tag has been
	// written yet; Close emits the matching closing tag.
	wroteHeader bool
}

// New builds a Sink writing to w in the given encoding.
func New(w io.Writer, enc Encoding) *Sink {
	return &Sink{w: w, enc: enc}
}

func (s *Sink) Write(r output.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.enc {
	case Text:
		return s.writeText(r)
	case XML:
		return s.writeXML(r)
	default:
		return pomerr.Newf(pomerr.ConfigError, "output/log: unknown encoding %d", s.enc)
	}
}

func (s *Sink) writeText(r output.Record) error {
	_, err := fmt.Fprintf(s.w, "%s %s %s\n", r.Time.Format("2006-01-02T15:04:05.000Z07:00"), r.Proto, r.Summary)
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(r.Fields) {
		if _, err := fmt.Fprintf(s.w, "\t%s=%s\n", k, r.Fields[k]); err != nil {
			return err
		}
	}
	return nil
}

type xmlField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlRecord struct {
	XMLName xml.Name   `xml:"record"`
	Time    string     `xml:"time,attr"`
	Proto   string     `xml:"proto,attr"`
	Summary string     `xml:"summary"`
	Fields  []xmlField `xml:"field"`
}

func (s *Sink) writeXML(r output.Record) error {
	if !s.wroteHeader {
		if _, err := io.WriteString(s.w, xml.Header+"<records>\n"); err != nil {
			return err
		}
		s.wroteHeader = true
	}

	rec := xmlRecord{
		Time:    r.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		Proto:   r.Proto,
		Summary: r.Summary,
	}
	for _, k := range sortedKeys(r.Fields) {
		rec.Fields = append(rec.Fields, xmlField{Name: k, Value: r.Fields[k]})
	}

	enc := xml.NewEncoder(s.w)
	enc.Indent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}
	_, err := io.WriteString(s.w, "\n")
	return err
}

// Close emits the XML encoding's closing tag; a no-op for Text.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == XML && s.wroteHeader {
		_, err := io.WriteString(s.w, "</records>\n")
		return err
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ output.Sink = (*Sink)(nil)
