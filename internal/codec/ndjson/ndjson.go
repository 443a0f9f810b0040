// Package ndjson frames newline-delimited JSON streams, the wire format used
// by stdio agent subprocesses. Malformed lines are reported to the caller but
// never terminate the stream.
package ndjson

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// Maximum line size; agent messages can carry large tool results.
const maxLineBytes = 16 * 1024 * 1024

// Decoder reads one JSON value per line from an underlying reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Decoder{scanner: scanner}
}

// Next returns the next non-empty raw line, or io.EOF when the stream ends.
// Trailing carriage returns are stripped; blank lines are skipped.
func (d *Decoder) Next() (string, error) {
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Stream reads lines until EOF or ctx cancellation, unmarshaling each into a
// fresh json.RawMessage and invoking handle. Lines that fail to parse invoke
// onError (which may be nil) and are skipped.
func Stream(ctx context.Context, r io.Reader, handle func(json.RawMessage), onError func(line string, err error)) error {
	d := NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := d.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !json.Valid([]byte(line)) {
			if onError != nil {
				onError(line, &json.SyntaxError{})
			}
			continue
		}
		handle(json.RawMessage(line))
	}
}

// Encode serializes v as a single newline-terminated line.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
