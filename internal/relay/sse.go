// Package relay implements the event-stream wire format that carries agent
// messages between the server and remote callers.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pkt.systems/imagine/schema"
)

// DoneSentinel marks the end of a stream.
const DoneSentinel = "[DONE]"

const readSize = 4096

// WriteEvent writes msg as one "data:" event.
func WriteEvent(w io.Writer, msg schema.AgentMessage) error {
	return WriteEventWithID(w, 0, msg)
}

// WriteEventWithID writes msg preceded by an "id:" line when id is non-zero.
func WriteEventWithID(w io.Writer, id uint64, msg schema.AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// WriteDone writes the end-of-stream sentinel.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: "+DoneSentinel+"\n\n")
	return err
}

// DecodeError reports an event whose payload is not a valid AgentMessage.
type DecodeError struct {
	Data string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder reassembles events from an arbitrarily chunked stream.
type Decoder struct {
	r      io.Reader
	buf    []byte
	lastID uint64
	done   bool
	eof    bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// LastID returns the most recent "id:" seen.
func (d *Decoder) LastID() uint64 {
	return d.lastID
}

// Next returns the next message. It returns io.EOF after the sentinel or at
// end of input, and *DecodeError for a malformed event; decoding may
// continue after a DecodeError.
func (d *Decoder) Next() (schema.AgentMessage, error) {
	for {
		if d.done {
			return schema.AgentMessage{}, io.EOF
		}
		block, ok := d.cut()
		if !ok {
			if d.eof {
				d.done = true
				block = strings.TrimSpace(string(d.buf))
				d.buf = nil
				if block == "" {
					return schema.AgentMessage{}, io.EOF
				}
			} else {
				if err := d.fill(); err != nil {
					return schema.AgentMessage{}, err
				}
				continue
			}
		}
		data, hasData := d.parseBlock(block)
		if !hasData {
			continue
		}
		if data == DoneSentinel {
			d.done = true
			return schema.AgentMessage{}, io.EOF
		}
		var msg schema.AgentMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return schema.AgentMessage{}, &DecodeError{Data: data, Err: err}
		}
		return msg, nil
	}
}

// cut removes and returns the next complete event block.
func (d *Decoder) cut() (string, bool) {
	idx := bytes.Index(d.buf, []byte("\n\n"))
	if idx < 0 {
		return "", false
	}
	block := string(d.buf[:idx])
	d.buf = d.buf[idx+2:]
	return block, true
}

func (d *Decoder) fill() error {
	chunk := make([]byte, readSize)
	n, err := d.r.Read(chunk)
	d.buf = append(d.buf, chunk[:n]...)
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.eof = true
			return nil
		}
		return err
	}
	return nil
}

func (d *Decoder) parseBlock(block string) (string, bool) {
	var (
		data    []string
		hasData bool
	)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			if id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64); err == nil {
				d.lastID = id
			}
		}
	}
	return strings.Join(data, "\n"), hasData
}
