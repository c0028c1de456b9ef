package vpn

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/yllada/xvpn-control/common"
	"github.com/yllada/xvpn-control/nativemsg"
)

// fakeDaemon plays the helper's side of a pair of pipes.
type fakeDaemon struct {
	t        *testing.T
	out      chan nativemsg.Frame
	requests chan nativemsg.Message
	stopOnce sync.Once
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newFakeDaemon(t *testing.T, opts ...SessionOption) (*fakeDaemon, *Session) {
	t.Helper()
	clientR, daemonW := io.Pipe()
	daemonR, clientW := io.Pipe()

	d := &fakeDaemon{
		t:        t,
		out:      make(chan nativemsg.Frame, 64),
		requests: make(chan nativemsg.Message, 64),
	}

	go func() {
		w := nativemsg.NewWriter(daemonW)
		for f := range d.out {
			if err := w.WriteFrame(f); err != nil {
				return
			}
		}
		daemonW.Close()
	}()
	go func() {
		defer close(d.requests)
		for {
			msg, err := nativemsg.ReadMessage(daemonR)
			if err != nil {
				return
			}
			d.requests <- msg
		}
	}()

	base := []SessionOption{WithLogger(common.NopLogger{}), WithPollInterval(10 * time.Millisecond)}
	s := NewSession(clientR, clientW, closerFunc(func() error {
		d.hangUp()
		clientW.Close()
		clientR.Close()
		return nil
	}), append(base, opts...)...)

	t.Cleanup(func() { s.Close() })
	return d, s
}

// send queues msg; frames reach the client in queue order.
func (d *fakeDaemon) send(msgs ...nativemsg.Message) {
	d.t.Helper()
	for _, msg := range msgs {
		f, err := nativemsg.Encode(msg, false)
		if err != nil {
			d.t.Fatalf("Encode() error = %v", err)
		}
		d.out <- f
	}
}

func (d *fakeDaemon) sendRaw(payload []byte) {
	var f nativemsg.Frame
	binary.NativeEndian.PutUint32(f.Length[:], uint32(len(payload)))
	f.Payload = payload
	d.out <- f
}

// hangUp closes the daemon's output after queued frames are written.
func (d *fakeDaemon) hangUp() {
	d.stopOnce.Do(func() { close(d.out) })
}

func (d *fakeDaemon) nextRequest(t *testing.T) nativemsg.Message {
	t.Helper()
	select {
	case req, ok := <-d.requests:
		if !ok {
			t.Fatal("client input closed")
		}
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
	}
	return nil
}

// serve answers every request with a result echoing its method.
func (d *fakeDaemon) serve() {
	go func() {
		for req := range d.requests {
			f, err := nativemsg.Encode(nativemsg.Message{"type": "result", "echo": req["method"]}, false)
			if err != nil {
				return
			}
			d.out <- f
		}
	}()
}

func handshaken(t *testing.T, protocol int, opts ...SessionOption) (*fakeDaemon, *Session) {
	t.Helper()
	d, s := newFakeDaemon(t, opts...)
	hello := nativemsg.Message{"connected": true}
	if protocol != 0 {
		hello["browser_helper_protocol"] = protocol
	}
	d.send(hello)
	if err := s.Handshake(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	return d, s
}

func keys(m nativemsg.Message) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		state    SessionState
		expected string
	}{
		{StateUnstarted, "Unstarted"},
		{StateHandshaking, "Handshaking"},
		{StateReady, "Ready"},
		{StateClosed, "Closed"},
		{SessionState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("SessionState.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	params := map[string]any{"id": "x"}

	s := NewSession(nil, io.Discard, nil)
	got := s.BuildRequest("XVPN.Connect", params)
	want := nativemsg.Message{"jsonrpc": "2.0", "method": "XVPN.Connect", "params": params, "id": LegacyRequestID}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("legacy BuildRequest() = %v, want %v", got, want)
	}

	s.newProtocol = true
	got = s.BuildRequest("XVPN.Connect", params)
	want = nativemsg.Message{"method": "Connect", "params": params}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("new BuildRequest() = %v, want %v", got, want)
	}

	got = s.BuildRequest("GetStatus", nil)
	if p, ok := got["params"].(map[string]any); !ok || len(p) != 0 {
		t.Errorf("params = %#v, want empty object", got["params"])
	}
}

func TestIsResponse(t *testing.T) {
	tests := []struct {
		name string
		msg  nativemsg.Message
		want bool
	}{
		{"result", nativemsg.Message{"type": "result", "name": "x"}, true},
		{"method", nativemsg.Message{"type": "method", "name": "x"}, true},
		{"no name", nativemsg.Message{"info": map[string]any{}}, true},
		{"empty name", nativemsg.Message{"name": ""}, true},
		{"null name", nativemsg.Message{"name": nil}, true},
		{"named event", nativemsg.Message{"name": "connection_state_changed"}, false},
		{"typed event", nativemsg.Message{"type": "event", "name": "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsResponse(tt.msg); got != tt.want {
				t.Errorf("IsResponse(%v) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestHandshake_NegotiatesProtocol(t *testing.T) {
	tests := []struct {
		name    string
		hello   nativemsg.Message
		wantNew bool
	}{
		{"default", nativemsg.Message{"connected": true}, false},
		{"explicit v1", nativemsg.Message{"connected": true, "browser_helper_protocol": 1}, false},
		{"v2", nativemsg.Message{"connected": true, "browser_helper_protocol": 2}, true},
		{"v3", nativemsg.Message{"connected": true, "browser_helper_protocol": 3}, false},
		{"truthy number", nativemsg.Message{"connected": 1, "browser_helper_protocol": 2}, true},
		{"string 2", nativemsg.Message{"connected": true, "browser_helper_protocol": "2"}, false},
		{"float 2", nativemsg.Message{"connected": true, "browser_helper_protocol": 2.0}, true},
		{"null", nativemsg.Message{"connected": true, "browser_helper_protocol": nil}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s := newFakeDaemon(t)
			d.send(nativemsg.Message{"connected": false}, nativemsg.Message{"name": "noise"}, tt.hello)

			if err := s.Handshake(context.Background(), 2*time.Second); err != nil {
				t.Fatalf("Handshake() error = %v", err)
			}
			if s.State() != StateReady {
				t.Errorf("State() = %v, want Ready", s.State())
			}
			if s.IsNewProtocol() != tt.wantNew {
				t.Errorf("IsNewProtocol() = %v, want %v", s.IsNewProtocol(), tt.wantNew)
			}
		})
	}
}

func TestHandshake_Timeout(t *testing.T) {
	d, s := newFakeDaemon(t)
	d.send(nativemsg.Message{"connected": false})

	const timeout = 300 * time.Millisecond
	start := time.Now()
	err := s.Handshake(context.Background(), timeout)
	elapsed := time.Since(start)

	if !errors.Is(err, common.ErrDaemonUnreachable) {
		t.Fatalf("Handshake() error = %v, want ErrDaemonUnreachable", err)
	}
	if elapsed < timeout-50*time.Millisecond || elapsed > timeout+time.Second {
		t.Errorf("Handshake() took %v, want about %v", elapsed, timeout)
	}

	if _, err := s.Call(context.Background(), MethodGetStatus, nil); !errors.Is(err, common.ErrNotReady) {
		t.Errorf("Call() after failed handshake error = %v, want ErrNotReady", err)
	}
}

func TestHandshake_ClosedStream(t *testing.T) {
	d, s := newFakeDaemon(t)
	d.hangUp()

	err := s.Handshake(context.Background(), 5*time.Second)
	if !errors.Is(err, common.ErrDaemonUnreachable) {
		t.Fatalf("Handshake() error = %v, want ErrDaemonUnreachable", err)
	}
	if !errors.Is(err, common.ErrTransportClosed) {
		t.Errorf("Handshake() error = %v, want ErrTransportClosed detail", err)
	}
}

func TestHandshake_OnlyOnce(t *testing.T) {
	_, s := handshaken(t, 0)
	if err := s.Handshake(context.Background(), time.Second); err == nil {
		t.Error("second Handshake() should fail")
	}
	if s.State() != StateReady {
		t.Errorf("State() = %v, want Ready", s.State())
	}
}

func TestHandshake_Context(t *testing.T) {
	_, s := newFakeDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.Handshake(ctx, 5*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Handshake() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestCall_WireShape(t *testing.T) {
	tests := []struct {
		name       string
		protocol   int
		wantKeys   []string
		wantMethod string
	}{
		{"legacy", 1, []string{"id", "jsonrpc", "method", "params"}, "XVPN.GetStatus"},
		{"new", 2, []string{"method", "params"}, "GetStatus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s := handshaken(t, tt.protocol)
			d.send(nativemsg.Message{"type": "result"})

			if _, err := s.Call(context.Background(), "XVPN.GetStatus", nil); err != nil {
				t.Fatalf("Call() error = %v", err)
			}

			req := d.nextRequest(t)
			if got := keys(req); !reflect.DeepEqual(got, tt.wantKeys) {
				t.Errorf("request keys = %v, want %v", got, tt.wantKeys)
			}
			if req.String("method") != tt.wantMethod {
				t.Errorf("method = %q, want %q", req.String("method"), tt.wantMethod)
			}
			if tt.protocol == 1 && req.Int("id", 0) != LegacyRequestID {
				t.Errorf("id = %v, want %d", req["id"], LegacyRequestID)
			}
		})
	}
}

func TestCall_SkipsEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	d, s := handshaken(t, 2, WithEventHandler(func(m nativemsg.Message) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, m.String("name"))
	}))

	d.send(
		nativemsg.Message{"name": "connection_state_changed", "type": "event"},
		nativemsg.Message{"name": "speed_test_progress"},
		nativemsg.Message{"type": "result", "info": map[string]any{"connected": true}},
		nativemsg.Message{"type": "result", "marker": "next"},
	)

	resp, err := s.Call(context.Background(), MethodGetStatus, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !resp.Object("info").Truthy("connected") {
		t.Errorf("Call() = %v, want the status response", resp)
	}

	mu.Lock()
	got := append([]string(nil), events...)
	mu.Unlock()
	want := []string{"connection_state_changed", "speed_test_progress"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	resp, err = s.Call(context.Background(), MethodGetStatus, nil)
	if err != nil || resp.String("marker") != "next" {
		t.Errorf("second Call() = %v, %v", resp, err)
	}
}

func TestCall_NamedMethodResponse(t *testing.T) {
	d, s := handshaken(t, 2)
	d.send(nativemsg.Message{"type": "method", "name": "GetLocations", "locations": []any{}})

	resp, err := s.Call(context.Background(), MethodGetLocations, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !resp.Has("locations") {
		t.Errorf("Call() = %v", resp)
	}
}

func TestCall_DaemonError(t *testing.T) {
	d, s := handshaken(t, 2)
	d.send(
		nativemsg.Message{"name": "event"},
		nativemsg.Message{"error": "bad state"},
		nativemsg.Message{"type": "result", "ok": true},
	)

	_, err := s.Call(context.Background(), MethodConnect, nil)
	if !errors.Is(err, common.ErrDaemon) {
		t.Fatalf("Call() error = %v, want ErrDaemon", err)
	}
	if errors.Is(err, common.ErrProtocolDecode) {
		t.Error("daemon error must not be a decode error")
	}
	var de *DaemonError
	if !errors.As(err, &de) {
		t.Fatalf("error %T is not a *DaemonError", err)
	}
	if de.Payload != "bad state" {
		t.Errorf("Payload = %v, want %q", de.Payload, "bad state")
	}
	if de.Error() != "error from daemon: bad state" {
		t.Errorf("Error() = %q", de.Error())
	}

	resp, err := s.Call(context.Background(), MethodGetStatus, nil)
	if err != nil || !resp.Truthy("ok") {
		t.Errorf("Call() after daemon error = %v, %v", resp, err)
	}
}

func TestDaemonError_StructuredPayload(t *testing.T) {
	err := &DaemonError{Payload: map[string]any{"code": 3}}
	if err.Error() != `error from daemon: {"code":3}` {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCall_CancelDesyncsSession(t *testing.T) {
	d, s := handshaken(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Call(ctx, MethodConnect, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want context.DeadlineExceeded", err)
	}
	d.nextRequest(t)

	d.send(nativemsg.Message{"type": "result"})
	if _, err := s.Call(context.Background(), MethodGetStatus, nil); !errors.Is(err, common.ErrSessionDesynced) {
		t.Errorf("Call() after cancel error = %v, want ErrSessionDesynced", err)
	}
}

func TestCall_AlreadyCancelled(t *testing.T) {
	_, s := handshaken(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Call(ctx, MethodGetStatus, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() error = %v, want context.Canceled", err)
	}
	s.mu.Lock()
	desynced := s.desynced
	s.mu.Unlock()
	if desynced {
		t.Error("a call that never sent must not desync the session")
	}
}

func TestCall_TransportClosed(t *testing.T) {
	d, s := handshaken(t, 2)
	d.hangUp()

	_, err := s.Call(context.Background(), MethodGetStatus, nil)
	if !errors.Is(err, common.ErrTransportClosed) {
		t.Errorf("Call() error = %v, want ErrTransportClosed", err)
	}
}

func TestCall_DecodeError(t *testing.T) {
	d, s := handshaken(t, 2)
	d.sendRaw([]byte("not json"))
	d.send(nativemsg.Message{"type": "result", "ok": true})

	_, err := s.Call(context.Background(), MethodGetStatus, nil)
	if !errors.Is(err, common.ErrProtocolDecode) {
		t.Fatalf("Call() error = %v, want ErrProtocolDecode", err)
	}

	resp, err := s.Call(context.Background(), MethodGetStatus, nil)
	if err != nil || !resp.Truthy("ok") {
		t.Errorf("Call() after decode error = %v, %v", resp, err)
	}
}

func TestCall_NotReady(t *testing.T) {
	_, s := newFakeDaemon(t)
	if _, err := s.Call(context.Background(), MethodGetStatus, nil); !errors.Is(err, common.ErrNotReady) {
		t.Errorf("Call() error = %v, want ErrNotReady", err)
	}
}

func TestSession_Close(t *testing.T) {
	_, s := handshaken(t, 2)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want Closed", s.State())
	}
	if _, err := s.Call(context.Background(), MethodGetStatus, nil); !errors.Is(err, common.ErrSessionClosed) {
		t.Errorf("Call() after Close error = %v, want ErrSessionClosed", err)
	}
	if err := s.Handshake(context.Background(), time.Second); !errors.Is(err, common.ErrSessionClosed) {
		t.Errorf("Handshake() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestCall_Serialized(t *testing.T) {
	d, s := handshaken(t, 2)
	d.serve()

	methods := []string{MethodGetStatus, MethodGetLocations, MethodGetLogs, MethodGetMessages, MethodReset}
	var wg sync.WaitGroup
	errs := make(chan error, len(methods))
	for _, m := range methods {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			resp, err := s.Call(context.Background(), m, nil)
			if err != nil {
				errs <- err
				return
			}
			if resp.String("echo") != m {
				errs <- errors.New(m + " got response for " + resp.String("echo"))
			}
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSession_ID(t *testing.T) {
	a := NewSession(nil, io.Discard, nil)
	b := NewSession(nil, io.Discard, nil)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("session ids %q and %q should be unique", a.ID(), b.ID())
	}
}
