package nativemsg

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/yllada/xvpn-control/common"
)

// rawFrame builds prefix+payload by hand so decode tests don't depend on Encode.
func rawFrame(payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	binary.NativeEndian.PutUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

func mustDecode(t *testing.T, s string) Message {
	t.Helper()
	m, err := Decode([]byte(s))
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", s, err)
	}
	return m
}

func writeAndRead(t *testing.T, msg Message, newProtocol bool) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := NewWriter(&buf).WriteMessage(msg, newProtocol); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return got
}

func TestRoundTrip_Legacy(t *testing.T) {
	tests := []string{
		`{"jsonrpc":"2.0","method":"GetStatus","params":{},"id":200}`,
		`{"connected":true,"browser_helper_protocol":2}`,
		`{"nested":{"list":[1,2.5,"x",null,false]},"unicode":"Zürich ✓"}`,
		`{}`,
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			msg := mustDecode(t, src)
			got := writeAndRead(t, msg, false)
			if !reflect.DeepEqual(got, msg) {
				t.Errorf("round trip = %v, want %v", got, msg)
			}
		})
	}
}

func TestRoundTrip_NewProtocolKeepsOnlyMethodAndParams(t *testing.T) {
	msg := mustDecode(t, `{"jsonrpc":"2.0","method":"Connect","params":{"id":"x"},"id":200,"extra":[1]}`)
	got := writeAndRead(t, msg, true)

	want := mustDecode(t, `{"method":"Connect","params":{"id":"x"}}`)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("new protocol frame = %v, want %v", got, want)
	}
}

func TestEncode_NewProtocolDefaultsParams(t *testing.T) {
	f, err := Encode(Message{"method": "GetStatus", "id": 200}, true)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(f.Payload) != `{"method":"GetStatus","params":{}}` {
		t.Errorf("payload = %s", f.Payload)
	}
}

func TestEncode_LengthPrefixIntegrity(t *testing.T) {
	for _, size := range []int{0, 1, 255, 256, 65536, 300000} {
		msg := Message{"data": strings.Repeat("a", size)}
		f, err := Encode(msg, false)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if got := binary.NativeEndian.Uint32(f.Length[:]); int(got) != len(f.Payload) {
			t.Errorf("prefix = %d, payload = %d bytes", got, len(f.Payload))
		}
		if f.Size() != uint32(len(f.Payload)) {
			t.Errorf("Size() = %d, want %d", f.Size(), len(f.Payload))
		}

		var buf bytes.Buffer
		if err := NewWriter(&buf).WriteFrame(f); err != nil {
			t.Fatal(err)
		}
		if n := binary.NativeEndian.Uint32(buf.Bytes()[:4]); int(n) != buf.Len()-4 {
			t.Errorf("written prefix = %d, payload on wire = %d", n, buf.Len()-4)
		}
	}
}

func TestReadMessage_ClosedStream(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	if !errors.Is(err, common.ErrTransportClosed) {
		t.Fatalf("empty stream error = %v, want ErrTransportClosed", err)
	}
	if errors.Is(err, common.ErrProtocolDecode) {
		t.Error("closed stream must not be reported as a decode error")
	}
}

func TestReadMessage_Truncated(t *testing.T) {
	full := rawFrame([]byte(`{"a":1}`))
	tests := map[string][]byte{
		"partial prefix":  full[:2],
		"partial payload": full[:len(full)-2],
		"prefix only":     full[:4],
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(data))
			if !errors.Is(err, common.ErrTransportClosed) {
				t.Errorf("error = %v, want ErrTransportClosed", err)
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("error = %v, want io.ErrUnexpectedEOF detail", err)
			}
		})
	}
}

func TestReadMessage_DecodeErrors(t *testing.T) {
	tests := map[string][]byte{
		"invalid utf8": {'{', '"', 'a', '"', ':', '"', 0xff, 0xfe, '"', '}'},
		"invalid json": []byte(`{"a":`),
		"not object":   []byte(`[1,2,3]`),
		"trailing":     []byte(`{"a":1} {"b":2}`),
		"empty":        {},
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(rawFrame(payload)))
			if !errors.Is(err, common.ErrProtocolDecode) {
				t.Fatalf("error = %v, want ErrProtocolDecode", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not a *DecodeError", err)
			}
		})
	}
}

func TestReadMessage_StreamStaysAlignedAfterDecodeError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(rawFrame([]byte(`not json`)))
	buf.Write(rawFrame([]byte(`{"ok":true}`)))

	if _, err := ReadMessage(&buf); !errors.Is(err, common.ErrProtocolDecode) {
		t.Fatalf("first read error = %v", err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("second read error = %v", err)
	}
	if !msg.Truthy("ok") {
		t.Errorf("second frame = %v", msg)
	}
}

func TestReadMessage_Oversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(rawFrame(bytes.Repeat([]byte("a"), MaxMessageSize+1)))
	buf.Write(rawFrame([]byte(`{"next":1}`)))

	if _, err := ReadMessage(&buf); !errors.Is(err, common.ErrProtocolDecode) {
		t.Fatalf("oversized error = %v, want ErrProtocolDecode", err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil || msg.Int("next", 0) != 1 {
		t.Fatalf("frame after oversized = %v, %v", msg, err)
	}
}

func TestReadMessage_KeepsNumbers(t *testing.T) {
	msg, err := ReadMessage(bytes.NewReader(rawFrame([]byte(`{"id":9007199254740993}`))))
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := msg["id"].(json.Number); !ok || n.String() != "9007199254740993" {
		t.Errorf("id = %#v, want exact json.Number", msg["id"])
	}
}

func TestWriter_FramesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.WriteMessage(Message{"n": i, "pad": strings.Repeat("p", 5000)}, false)
		}(i)
	}
	wg.Wait()

	seen := 0
	for {
		_, err := ReadMessage(&buf)
		if errors.Is(err, common.ErrTransportClosed) {
			break
		}
		if err != nil {
			t.Fatalf("frame %d: %v", seen, err)
		}
		seen++
	}
	if seen != 20 {
		t.Errorf("decoded %d frames, want 20", seen)
	}
}

func TestWriter_ClosedPipe(t *testing.T) {
	r, w := io.Pipe()
	r.Close()
	err := NewWriter(w).WriteMessage(Message{"method": "GetStatus"}, false)
	if !errors.Is(err, common.ErrTransportClosed) {
		t.Errorf("error = %v, want ErrTransportClosed", err)
	}
}
