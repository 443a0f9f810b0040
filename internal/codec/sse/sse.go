// Package sse parses server-sent event streams. The parser is incremental:
// bytes may arrive split at arbitrary boundaries and events are surfaced only
// once their terminating blank line is seen.
package sse

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Event is a parsed server-sent event. Only the data field matters to the
// gateway; event names and ids ride along in the raw field lines.
type Event struct {
	Data string
}

// Parser accumulates bytes and emits complete events.
type Parser struct {
	buf       strings.Builder // partial line carried across Feed calls
	dataLines []string
	hasData   bool
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes a chunk and returns any events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	var events []Event
	for _, b := range chunk {
		if b == '\n' {
			line := p.buf.String()
			p.buf.Reset()
			if ev, ok := p.endOfLine(line); ok {
				events = append(events, ev)
			}
			continue
		}
		p.buf.WriteByte(b)
	}
	return events
}

// endOfLine processes one complete line. A blank line dispatches the pending
// event; returns it and true when the event carried at least one data field.
func (p *Parser) endOfLine(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		if !p.hasData {
			// Events without a data field are skipped.
			p.dataLines = nil
			return Event{}, false
		}
		ev := Event{Data: strings.Join(p.dataLines, "\n")}
		p.dataLines = nil
		p.hasData = false
		return ev, true
	}

	if strings.HasPrefix(line, ":") {
		// Comment line.
		return Event{}, false
	}

	field, value := splitField(line)
	if field == "data" {
		p.dataLines = append(p.dataLines, value)
		p.hasData = true
	}
	return Event{}, false
}

func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	// A single leading space after the colon is part of the separator.
	value = strings.TrimPrefix(value, " ")
	return field, value
}

// Stream reads r until EOF or ctx cancellation, invoking handle for every
// complete event. Read errors other than EOF are returned.
func Stream(ctx context.Context, r io.Reader, handle func(Event)) error {
	p := NewParser()
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := reader.Read(buf)
		if n > 0 {
			for _, ev := range p.Feed(buf[:n]) {
				handle(ev)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
