// Package nativemsg implements the WebExtensions native messaging wire
// format: a 4-byte unsigned length in host byte order followed by a UTF-8
// JSON payload of exactly that many bytes.
package nativemsg

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/yllada/xvpn-control/common"
)

// MaxMessageSize caps a single incoming payload. Larger frames are drained
// and reported as decode errors so the stream stays aligned.
const MaxMessageSize = 1024 * 1024

// Message is a decoded JSON object exchanged with the helper.
type Message map[string]any

// Frame is an encoded message. Length and payload stay separate until
// they are written.
type Frame struct {
	Length  [4]byte
	Payload []byte
}

// Size returns the payload length recorded in the prefix.
func (f Frame) Size() uint32 {
	return binary.NativeEndian.Uint32(f.Length[:])
}

// WriteTo writes the prefix and payload to w. It does not lock; use a
// Writer when the stream is shared.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Length[:])
	if err != nil {
		return int64(n), transportErr(err)
	}
	m, err := w.Write(f.Payload)
	return int64(n + m), transportErr(err)
}

// DecodeError reports a frame whose payload is not a UTF-8 JSON object.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", common.ErrProtocolDecode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is match common.ErrProtocolDecode.
func (e *DecodeError) Is(target error) bool { return target == common.ErrProtocolDecode }

// ReadMessage reads the next frame from r.
// A stream that ends before any prefix byte yields common.ErrTransportClosed;
// callers must stop reading after it.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, transportErr(err)
	}

	n := binary.NativeEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, transportErr(err)
		}
		return nil, &DecodeError{Err: fmt.Errorf("message too large: %d bytes (max %d)", n, MaxMessageSize)}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, transportErr(err)
	}

	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Decode parses one payload. Numbers are kept as json.Number.
func Decode(payload []byte) (Message, error) {
	if !utf8.Valid(payload) {
		return nil, &DecodeError{Payload: payload, Err: errors.New("payload is not valid UTF-8")}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Payload: payload, Err: err}
	}
	if dec.More() {
		return nil, &DecodeError{Payload: payload, Err: errors.New("trailing data after JSON value")}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &DecodeError{Payload: payload, Err: fmt.Errorf("payload is a JSON %T, not an object", v)}
	}
	return Message(obj), nil
}

func transportErr(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return common.ErrTransportClosed
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %w", common.ErrTransportClosed, err)
	default:
		return err
	}
}

// newProtocolBody is the only shape the second-generation helper accepts.
type newProtocolBody struct {
	Method any `json:"method"`
	Params any `json:"params"`
}

// Encode serializes msg. With newProtocol set only method and params are
// kept; params becomes {} when absent. Otherwise msg is sent verbatim.
func Encode(msg Message, newProtocol bool) (Frame, error) {
	var body any = map[string]any(msg)
	if newProtocol {
		params, ok := msg["params"]
		if !ok {
			params = map[string]any{}
		}
		body = newProtocolBody{Method: msg["method"], Params: params}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return Frame{}, fmt.Errorf("message too large: %d bytes", len(payload))
	}

	var f Frame
	binary.NativeEndian.PutUint32(f.Length[:], uint32(len(payload)))
	f.Payload = payload
	return f, nil
}

// Writer serializes frames onto a stream. Each frame's prefix and payload
// are written back to back under a lock and flushed together.
type Writer struct {
	mu sync.Mutex
	bw *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteFrame writes f as one unit.
func (w *Writer) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := f.WriteTo(w.bw); err != nil {
		return err
	}
	return transportErr(w.bw.Flush())
}

// WriteMessage encodes msg and writes it.
func (w *Writer) WriteMessage(msg Message, newProtocol bool) error {
	f, err := Encode(msg, newProtocol)
	if err != nil {
		return err
	}
	return w.WriteFrame(f)
}
