package streaming

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const maxLineSize = 1024 * 1024

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Name string
	Data []byte
}

// SSEDecoder reads server-sent events from a response body.
type SSEDecoder struct {
	r *bufio.Reader
}

// NewSSEDecoder creates a decoder over r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event. Multiple data lines are joined with "\n",
// comment lines are skipped and events without data are not dispatched.
func (d *SSEDecoder) Next() (SSEEvent, error) {
	var (
		name      string
		dataLines [][]byte
	)
	for {
		line, err := d.readLine()
		if errors.Is(err, bufio.ErrTooLong) {
			return SSEEvent{}, err
		}
		if err != nil {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				name, dataLines = applyField(line, name, dataLines)
			}
			if len(dataLines) > 0 {
				return SSEEvent{Name: name, Data: bytes.Join(dataLines, []byte("\n"))}, nil
			}
			return SSEEvent{}, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) == 0 {
				name = ""
				continue
			}
			return SSEEvent{Name: name, Data: bytes.Join(dataLines, []byte("\n"))}, nil
		}
		if line[0] == ':' {
			continue
		}
		name, dataLines = applyField(line, name, dataLines)
	}
}

// readLine reads up to and including the next '\n'. It fails with
// bufio.ErrTooLong as soon as the line grows past maxLineSize.
func (d *SSEDecoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineSize {
			return nil, bufio.ErrTooLong
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func applyField(line []byte, name string, data [][]byte) (string, [][]byte) {
	field, value, _ := bytes.Cut(line, []byte(":"))
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	switch string(field) {
	case "event":
		return string(value), data
	case "data":
		return name, append(data, append([]byte(nil), value...))
	}
	return name, data
}

// IsDone reports whether data is the OpenAI-style end-of-stream sentinel.
func IsDone(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]"))
}

// NDJSONDecoder reads newline-delimited JSON records.
type NDJSONDecoder struct {
	s *bufio.Scanner
}

// NewNDJSONDecoder creates a decoder over r.
func NewNDJSONDecoder(r io.Reader) *NDJSONDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &NDJSONDecoder{s: s}
}

// Next decodes the next non-blank line into v. It returns io.EOF at end of input.
func (d *NDJSONDecoder) Next(v any) error {
	for d.s.Scan() {
		line := bytes.TrimSpace(d.s.Bytes())
		if len(line) == 0 {
			continue
		}
		return json.Unmarshal(line, v)
	}
	if err := d.s.Err(); err != nil {
		return err
	}
	return io.EOF
}
