// Package sse decodes text/event-stream bodies into discrete events.
//
// Framing follows the WHATWG event-stream format: lines end in LF, CR or
// CRLF, a blank line dispatches the pending event, and lines starting with
// a colon are comments the server uses as keep-alives.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultEventType is the type of events that carry no event field.
const DefaultEventType = "message"

// MaxLineSize bounds a single line of the stream.
const MaxLineSize = 1 << 20

var bom = []byte{0xEF, 0xBB, 0xBF}

// Event is one dispatched server-sent event
type Event struct {
	// ID is the last event ID seen on the stream at dispatch time.
	ID    string
	Type  string
	Data  string
	Retry time.Duration
}

type Decoder struct {
	scanner *bufio.Scanner
	lastID  string
	started bool
	skipLF  bool
}

func NewDecoder(r io.Reader) *Decoder {
	d := &Decoder{}
	d.scanner = bufio.NewScanner(r)
	d.scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	d.scanner.Split(d.splitLines)
	return d
}

// Decode blocks until the next event is dispatched. It returns io.EOF when
// the stream ends; a partially received event is discarded.
func (d *Decoder) Decode() (Event, error) {
	var (
		data    strings.Builder
		hasData bool
		evType  string
		retry   time.Duration
	)

	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if !d.started {
			line = bytes.TrimPrefix(line, bom)
			d.started = true
		}

		if len(line) == 0 {
			if !hasData {
				evType = ""
				retry = 0
				continue
			}
			if evType == "" {
				evType = DefaultEventType
			}
			return Event{
				ID:    d.lastID,
				Type:  evType,
				Data:  data.String(),
				Retry: retry,
			}, nil
		}

		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "event":
			evType = string(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "id":
			if bytes.IndexByte(value, 0) < 0 {
				d.lastID = string(value)
			}
		case "retry":
			if r, ok := parseRetry(value); ok {
				retry = r
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// LastEventID returns the most recent id field seen on the stream, including
// ids in blocks that never dispatched an event.
func (d *Decoder) LastEventID() string {
	return d.lastID
}

// splitLines yields lines terminated by LF, CR or CRLF. A CR is yielded
// immediately so live streams are not stalled waiting for a possible LF.
func (d *Decoder) splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if d.skipLF && len(data) > 0 {
		d.skipLF = false
		if data[0] == '\n' {
			return 1, nil, nil
		}
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
			} else {
				d.skipLF = true
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		// unterminated trailing line
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func parseRetry(value []byte) (time.Duration, bool) {
	if len(value) == 0 {
		return 0, false
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	ms, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
