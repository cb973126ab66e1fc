package lsp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JSONRPCVersion is the protocol version carried by every message.
const JSONRPCVersion = "2.0"

const (
	headerTerminator = "\r\n\r\n"
	contentLength    = "content-length"

	// maxHeaderBytes bounds how much unterminated header data is buffered
	// before it is treated as garbage.
	maxHeaderBytes = 8 * 1024
	// maxBodyBytes bounds a single declared Content-Length.
	maxBodyBytes = 256 << 20
)

// Message represents a JSON-RPC 2.0 message (request, response, or notification).
// ID is kept raw so server-originated ids (number or string) round-trip unchanged.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`     // absent for notifications
	Method  string          `json:"method,omitempty"` // present for requests/notifications
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError represents a JSON-RPC 2.0 error object.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && len(m.ID) > 0 }

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool { return m.Method != "" && len(m.ID) == 0 }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool { return m.Method == "" && len(m.ID) > 0 }

// IntID returns the numeric id, if the message carries one.
func (m *Message) IntID() (int64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

func intID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// newRequest builds a request or, with id <= 0, a notification.
func newMessage(id int64, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: JSONRPCVersion, Method: method}
	if id > 0 {
		msg.ID = intID(id)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// EncodeFrame serializes msg with Content-Length header framing.
func EncodeFrame(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	fmt.Fprintf(&buf, "Content-Length: %d%s", len(body), headerTerminator)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decoder reassembles frames from arbitrarily split reads. It buffers raw
// bytes, emits a body only once the declared length has arrived, and keeps
// leftover bytes for the next frame. Malformed headers are discarded up to
// the next header terminator; the decoder never fails.
type Decoder struct {
	buf       []byte
	malformed int
}

// Feed appends p and returns every complete frame body now available.
func (d *Decoder) Feed(p []byte) [][]byte {
	d.buf = append(d.buf, p...)

	var bodies [][]byte
	for {
		idx := bytes.Index(d.buf, []byte(headerTerminator))
		if idx < 0 {
			if len(d.buf) > maxHeaderBytes {
				// Keep a possible partial terminator.
				d.malformed++
				d.buf = append(d.buf[:0], d.buf[len(d.buf)-(len(headerTerminator)-1):]...)
			}
			return bodies
		}

		n, ok := parseContentLength(d.buf[:idx])
		if !ok {
			d.malformed++
			d.discard(idx + len(headerTerminator))
			continue
		}

		start := idx + len(headerTerminator)
		if len(d.buf)-start < n {
			return bodies
		}

		body := make([]byte, n)
		copy(body, d.buf[start:start+n])
		bodies = append(bodies, body)
		d.discard(start + n)
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Malformed returns how many header blocks were discarded.
func (d *Decoder) Malformed() int { return d.malformed }

func (d *Decoder) discard(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// parseContentLength accepts a header block with exactly one valid
// Content-Length header. Other headers (Content-Type) are ignored.
func parseContentLength(header []byte) (int, bool) {
	length, seen := -1, 0
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return 0, false
		}
		if !strings.EqualFold(strings.TrimSpace(name), contentLength) {
			continue
		}
		seen++
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 || n > maxBodyBytes {
			return 0, false
		}
		length = n
	}
	if seen != 1 {
		return 0, false
	}
	return length, true
}
