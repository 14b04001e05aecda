// Package log provides the engine's leveled logger: DEBUG, INFO, WARN, ERR,
// as required by the error handling design. Adapted from the colorized
// leveled printer used across the example pack's CLI tooling.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/logrusorgru/aurora"
	"github.com/spf13/viper"
)

var (
	Stderr = New(os.Stderr)
	Stdout = New(os.Stdout)
	color  = aurora.NewAurora(true)
)

func Debugln(args ...interface{}) { Stderr.Debugln(args...) }
func Infoln(args ...interface{})  { Stderr.Infoln(args...) }
func Warnln(args ...interface{})  { Stderr.Warnln(args...) }
func Errln(args ...interface{})   { Stderr.Errln(args...) }

func Debugf(format string, args ...interface{}) { Stderr.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Stderr.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Stderr.Warnf(format, args...) }
func Errf(format string, args ...interface{})   { Stderr.Errf(format, args...) }

// Logger is the interface implemented by both the colorized text logger and
// the JSON logger, so callers can log without caring which mode is active.
type Logger interface {
	Debugln(args ...interface{})
	Infoln(args ...interface{})
	Warnln(args ...interface{})
	Errln(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errf(format string, args ...interface{})
}

type textLogger struct {
	out io.Writer
}

// New builds a Logger that writes colorized level-tagged lines to out.
func New(out io.Writer) Logger {
	return &textLogger{out: out}
}

func (l *textLogger) debugEnabled() bool {
	return viper.GetBool("debug")
}

func (l *textLogger) ln(tag string, args ...interface{}) {
	fmt.Fprint(l.out, tag)
	fmt.Fprintln(l.out, args...)
}

func (l *textLogger) Debugln(args ...interface{}) {
	if l.debugEnabled() {
		l.ln(color.Magenta("[DEBUG] ").String(), args...)
	}
}

func (l *textLogger) Infoln(args ...interface{}) {
	l.ln(color.Blue("[INFO] ").String(), args...)
}

func (l *textLogger) Warnln(args ...interface{}) {
	l.ln(color.Yellow("[WARN] ").String(), args...)
}

func (l *textLogger) Errln(args ...interface{}) {
	l.ln(color.Red("[ERR] ").String(), args...)
}

func (l *textLogger) Debugf(format string, args ...interface{}) {
	if l.debugEnabled() {
		fmt.Fprint(l.out, color.Magenta("[DEBUG] ").String())
		fmt.Fprintf(l.out, format, args...)
	}
}

func (l *textLogger) Infof(format string, args ...interface{}) {
	fmt.Fprint(l.out, color.Blue("[INFO] ").String())
	fmt.Fprintf(l.out, format, args...)
}

func (l *textLogger) Warnf(format string, args ...interface{}) {
	fmt.Fprint(l.out, color.Yellow("[WARN] ").String())
	fmt.Fprintf(l.out, format, args...)
}

func (l *textLogger) Errf(format string, args ...interface{}) {
	fmt.Fprint(l.out, color.Red("[ERR] ").String())
	fmt.Fprintf(l.out, format, args...)
}

// jsonLogger emits one JSON object per line, for the control plane's log
// tail endpoint and for shipping to log collectors.
type jsonLogger struct {
	encoder *json.Encoder
}

type jsonEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

func (l *jsonLogger) write(level string, args ...interface{}) {
	l.encoder.Encode(jsonEntry{
		Time:    time.Now(),
		Level:   level,
		Message: strings.TrimRight(fmt.Sprintln(args...), "\n"),
	})
}

func (l *jsonLogger) writef(level, format string, args ...interface{}) {
	l.encoder.Encode(jsonEntry{
		Time:    time.Now(),
		Level:   level,
		Message: strings.TrimRight(fmt.Sprintf(format, args...), "\n"),
	})
}

func (l *jsonLogger) Debugln(args ...interface{}) {
	if viper.GetBool("debug") {
		l.write("debug", args...)
	}
}
func (l *jsonLogger) Infoln(args ...interface{}) { l.write("info", args...) }
func (l *jsonLogger) Warnln(args ...interface{}) { l.write("warn", args...) }
func (l *jsonLogger) Errln(args ...interface{})  { l.write("err", args...) }

func (l *jsonLogger) Debugf(format string, args ...interface{}) {
	if viper.GetBool("debug") {
		l.writef("debug", format, args...)
	}
}
func (l *jsonLogger) Infof(format string, args ...interface{}) { l.writef("info", format, args...) }
func (l *jsonLogger) Warnf(format string, args ...interface{}) { l.writef("warn", format, args...) }
func (l *jsonLogger) Errf(format string, args ...interface{})  { l.writef("err", format, args...) }

// SwitchToJSON replaces Stdout/Stderr with JSON-emitting loggers. Intended to
// be called once, early in cmd/pomd, when --json is set.
func SwitchToJSON() {
	color = aurora.NewAurora(false)
	Stderr = &jsonLogger{encoder: json.NewEncoder(os.Stderr)}
	Stdout = &jsonLogger{encoder: json.NewEncoder(os.Stdout)}
}

// SwitchToPlain disables ANSI colors without switching to JSON, for
// non-terminal stdout.
func SwitchToPlain() {
	color = aurora.NewAurora(false)
}
