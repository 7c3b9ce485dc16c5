package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// Sentinel ends a stream, either as an event payload or inside raw text.
	Sentinel    = "[DONE]"
	eventPrefix = "data:"
)

var (
	// ErrParse marks a payload that is not JSON; it never leaves the decoder.
	ErrParse = errors.New("parse error")
	// ErrStream is reported when the upstream sends an error payload mid-stream.
	ErrStream = errors.New("stream error")
)

var fieldPrefixes = []string{eventPrefix, "event:", "id:", "retry:"}

// Decoder turns a sequence of chunks into one growing text buffer.
// Event lines (`data: {json}`) contribute their delta text; text that is not
// part of the event protocol is appended verbatim. The buffer never shrinks.
type Decoder struct {
	pending  []byte
	buf      strings.Builder
	done     bool
	sawEvent bool
	// midLine is set once part of the current raw line has been emitted.
	midLine bool
	err     error
}

type Option func(*Decoder)

// WithEventMode treats the input as an event stream from the first byte, so
// comment and blank lines ahead of the first event are dropped instead of
// being taken for raw text.
func WithEventMode() Option {
	return func(d *Decoder) {
		d.sawEvent = true
	}
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed consumes one chunk and returns the text it appended.
func (d *Decoder) Feed(chunk []byte) string {
	if d.done {
		return ""
	}
	before := d.buf.Len()
	d.pending = append(d.pending, chunk...)
	for !d.done {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			d.fragment()
			break
		}
		line := string(d.pending[:idx])
		d.pending = d.pending[idx+1:]
		d.line(line)
	}
	if d.done {
		d.pending = nil
	}
	return d.buf.String()[before:]
}

// Flush processes whatever fragment is left at end of input and marks the
// decoder done.
func (d *Decoder) Flush() string {
	if d.done {
		return ""
	}
	before := d.buf.Len()
	if len(d.pending) > 0 {
		rest := string(d.pending)
		d.pending = nil
		if d.midLine {
			d.raw(rest)
		} else {
			d.complete(rest, false)
		}
	}
	d.done = true
	return d.buf.String()[before:]
}

// Text returns the buffer accumulated so far.
func (d *Decoder) Text() string {
	return d.buf.String()
}

// Done reports whether the sentinel (or end of input) was reached.
func (d *Decoder) Done() bool {
	return d.done
}

// Err returns the upstream error carried by an error payload, if any.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) line(line string) {
	if d.midLine {
		d.midLine = false
		d.raw(line + "\n")
		return
	}
	d.complete(line, true)
}

func (d *Decoder) complete(line string, terminated bool) {
	trimmed := strings.TrimSuffix(line, "\r")
	switch {
	case strings.HasPrefix(trimmed, eventPrefix):
		d.sawEvent = true
		d.event(strings.TrimSpace(trimmed[len(eventPrefix):]))
	case isFieldLine(trimmed):
		d.sawEvent = true
	case d.sawEvent:
		if trimmed == "" || strings.HasPrefix(trimmed, ":") {
			return
		}
		if strings.TrimSpace(trimmed) == Sentinel {
			d.done = true
			return
		}
		d.buf.WriteString(trimmed)
	default:
		if terminated {
			line += "\n"
		}
		d.raw(line)
	}
}

func (d *Decoder) event(payload string) {
	if payload == Sentinel {
		d.done = true
		return
	}
	if payload == "" {
		return
	}
	delta, err := extractDelta(payload)
	if err != nil {
		if errors.Is(err, ErrStream) {
			d.err = err
			d.done = true
			return
		}
		log.Debug().Err(err).Str("component", "stream").Msg("appending unparsable event payload verbatim")
		d.buf.WriteString(payload)
		return
	}
	d.buf.WriteString(delta)
}

func (d *Decoder) raw(text string) {
	if i := strings.Index(text, Sentinel); i >= 0 {
		d.buf.WriteString(text[:i])
		d.done = true
		return
	}
	d.buf.WriteString(text)
}

// fragment handles an unterminated tail. In event mode it waits for the rest
// of the line; raw text is emitted eagerly except for bytes that may still
// turn into a field prefix, the sentinel, or a multi-byte rune.
func (d *Decoder) fragment() {
	if len(d.pending) == 0 {
		return
	}
	if !d.midLine && (d.sawEvent || couldBeFieldLine(d.pending)) {
		return
	}
	text := string(d.pending[:completeUTF8Len(d.pending)])
	if i := strings.Index(text, Sentinel); i >= 0 {
		d.buf.WriteString(text[:i])
		d.done = true
		return
	}
	emit := text[:len(text)-sentinelPrefixLen(text)]
	if emit == "" {
		return
	}
	d.buf.WriteString(emit)
	d.midLine = true
	d.pending = append([]byte(nil), d.pending[len(emit):]...)
}

type chunkPayload struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Delta json.RawMessage `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func extractDelta(payload string) (string, error) {
	var p chunkPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", errors.Wrapf(ErrParse, "%v", err)
	}
	if p.Error != nil {
		return "", errors.Wrap(ErrStream, p.Error.Message)
	}
	if len(p.Choices) > 0 && p.Choices[0].Delta != nil {
		return p.Choices[0].Delta.Content, nil
	}
	if len(p.Delta) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(p.Delta, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(p.Delta, &obj); err != nil {
		return "", errors.Wrapf(ErrParse, "%v", err)
	}
	if obj.Text != "" {
		return obj.Text, nil
	}
	return obj.Content, nil
}

func isFieldLine(line string) bool {
	for _, p := range fieldPrefixes[1:] {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func couldBeFieldLine(b []byte) bool {
	for _, p := range fieldPrefixes {
		if bytes.HasPrefix(b, []byte(p)) || strings.HasPrefix(p, string(b)) {
			return true
		}
	}
	return false
}

// sentinelPrefixLen returns the length of the longest suffix of text that is
// a proper prefix of Sentinel.
func sentinelPrefixLen(text string) int {
	for n := len(Sentinel) - 1; n > 0; n-- {
		if strings.HasSuffix(text, Sentinel[:n]) {
			return n
		}
	}
	return 0
}

// completeUTF8Len returns the length of b without a trailing partial rune.
func completeUTF8Len(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
