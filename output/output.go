// Package output defines the output plugin contract (§6, peripheral to the
// dispatch core): a Sink receives one Record per reportable event a
// protocol module's PostProcess hands it (a completed HTTP exchange, a
// finished SIP dialog, a delivered fragment) and renders it somewhere —
// text/XML log lines (output/log) or a HAR archive (output/har). Grounded
// on the "output_log module shape" description (two named output flavors
// selected by a registry parameter) rather than any single teacher file,
// since the teacher is a library with no output-plugin layer of its own.
package output

import "time"

// Record is one protocol-reported event, generic enough for both the
// text/XML log sink and any structured sink to consume.
type Record struct {
	Time    time.Time
	Proto   string
	Summary string
	Fields  map[string]string
}

// Sink renders Records somewhere. Close flushes and releases any resources
// (an open file, a buffered HAR document) the sink is holding.
type Sink interface {
	Write(r Record) error
	Close() error
}
