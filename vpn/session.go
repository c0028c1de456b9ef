// Package vpn provides the protocol session and RPC client for the VPN
// browser helper.
// This file contains the Session type which owns the helper's streams,
// negotiates the protocol generation, and matches responses to requests.
package vpn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/xvpn-control/common"
	"github.com/yllada/xvpn-control/nativemsg"
)

// SessionState represents the lifecycle stage of a Session.
type SessionState int

const (
	// StateUnstarted is a session whose handshake has not begun.
	StateUnstarted SessionState = iota
	// StateHandshaking is waiting for the helper's connected signal.
	StateHandshaking
	// StateReady accepts calls.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateUnstarted:
		return "Unstarted"
	case StateHandshaking:
		return "Handshaking"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// DaemonError is a response carrying an "error" field.
// The session stays usable after it.
type DaemonError struct {
	Method  string
	Payload any
}

func (e *DaemonError) Error() string {
	detail, ok := e.Payload.(string)
	if !ok {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			detail = fmt.Sprint(e.Payload)
		} else {
			detail = string(data)
		}
	}
	return fmt.Sprintf("%v: %s", common.ErrDaemon, detail)
}

// Is lets errors.Is match common.ErrDaemon.
func (e *DaemonError) Is(target error) bool { return target == common.ErrDaemon }

// SessionOption customizes a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger       common.Logger
	pollInterval time.Duration
	closeGrace   time.Duration
	onEvent      func(nativemsg.Message)
}

func defaultSessionOptions() sessionOptions {
	return sessionOptions{
		logger:       common.GetLogger(),
		pollInterval: common.PollInterval,
		closeGrace:   common.CloseGrace,
	}
}

// WithLogger routes message tracing to l.
func WithLogger(l common.Logger) SessionOption {
	return func(o *sessionOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollInterval sets the delay between handshake attempts.
func WithPollInterval(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithCloseGrace sets how long a spawned helper may take to exit before
// it is killed.
func WithCloseGrace(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		if d >= 0 {
			o.closeGrace = d
		}
	}
}

// WithEventHandler receives every helper-pushed event skipped while a
// call waits for its response. It runs on the calling goroutine.
func WithEventHandler(fn func(nativemsg.Message)) SessionOption {
	return func(o *sessionOptions) {
		o.onEvent = fn
	}
}

type frameResult struct {
	msg nativemsg.Message
	err error
}

// errDeadline marks an expired handshake timer inside next.
var errDeadline = errors.New("deadline reached")

// Session is a request/response channel to one helper process.
// At most one call is in flight; concurrent callers queue on callMu.
type Session struct {
	id     string
	r      io.Reader
	w      *nativemsg.Writer
	closer io.Closer
	opts   sessionOptions

	frames    chan frameResult
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	callMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	newProtocol bool
	desynced    bool
}

// NewSession wraps the helper's output stream r and input stream w.
// closer, if non-nil, is invoked once by Close.
func NewSession(r io.Reader, w io.Writer, closer io.Closer, opts ...SessionOption) *Session {
	o := defaultSessionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Session{
		id:     uuid.NewString(),
		r:      r,
		w:      nativemsg.NewWriter(w),
		closer: closer,
		opts:   o,
		frames: make(chan frameResult),
		done:   make(chan struct{}),
	}
}

// ID identifies the session in logs and history.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle stage.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsNewProtocol reports whether the helper negotiated protocol 2.
func (s *Session) IsNewProtocol() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newProtocol
}

func (s *Session) start() {
	s.startOnce.Do(func() {
		go s.readLoop()
	})
}

// readLoop decodes frames in stream order until the stream ends.
// Decode errors are delivered and reading continues; anything else is terminal.
func (s *Session) readLoop() {
	defer close(s.frames)
	for {
		msg, err := nativemsg.ReadMessage(s.r)
		if err == nil {
			s.opts.logger.Debug("Got message: %s", common.Truncate(msg.JSON(), 100))
		}
		select {
		case s.frames <- frameResult{msg: msg, err: err}:
		case <-s.done:
			return
		}
		if err != nil && !errors.Is(err, common.ErrProtocolDecode) {
			return
		}
	}
}

// next returns the next decoded frame. A nil deadline never fires.
func (s *Session) next(ctx context.Context, deadline <-chan time.Time) (nativemsg.Message, error) {
	select {
	case fr, ok := <-s.frames:
		if !ok {
			return nil, common.ErrTransportClosed
		}
		return fr.msg, fr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline:
		return nil, errDeadline
	case <-s.done:
		return nil, common.ErrSessionClosed
	}
}

// Handshake waits up to timeout for a message with a truthy "connected"
// field and records the protocol generation it announces. It runs once;
// a failed handshake leaves the session unusable.
func (s *Session) Handshake(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	switch s.state {
	case StateUnstarted:
		s.state = StateHandshaking
	case StateClosed:
		s.mu.Unlock()
		return common.ErrSessionClosed
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("handshake already performed (state %s)", state)
	}
	s.mu.Unlock()

	s.start()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	unreachable := func(cause error) error {
		if cause != nil {
			return fmt.Errorf("%w: %w", common.ErrDaemonUnreachable, cause)
		}
		return fmt.Errorf("%w: no connected signal within %v", common.ErrDaemonUnreachable, timeout)
	}

	for {
		msg, err := s.next(ctx, timer.C)
		switch {
		case errors.Is(err, errDeadline):
			return unreachable(nil)
		case errors.Is(err, common.ErrTransportClosed):
			return unreachable(err)
		case err != nil:
			return err
		}

		if msg.Truthy("connected") {
			version, announced := msg["browser_helper_protocol"]
			if !announced {
				version = 1
			}
			s.mu.Lock()
			if s.state == StateHandshaking {
				s.newProtocol = isProtocolVersion(version, NewProtocolVersion)
				s.state = StateReady
			}
			s.mu.Unlock()
			s.opts.logger.Debug("Connected To Daemon (session %s, protocol %v)", s.id, version)
			return nil
		}

		select {
		case <-time.After(s.opts.pollInterval):
		case <-timer.C:
			return unreachable(nil)
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return common.ErrSessionClosed
		}
	}
}

// isProtocolVersion reports whether v is the JSON number want. Strings never
// match, even when they spell the number.
func isProtocolVersion(v any, want int64) bool {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return err == nil && f == float64(want)
	case float64:
		return n == float64(want)
	case int:
		return int64(n) == want
	case int64:
		return n == want
	}
	return false
}

// BuildRequest shapes a request for the negotiated protocol generation.
// Legacy requests are JSON-RPC with the fixed id; new requests carry only
// method (with LegacyNamespace removed) and params.
func (s *Session) BuildRequest(method string, params map[string]any) nativemsg.Message {
	if params == nil {
		params = map[string]any{}
	}
	if s.IsNewProtocol() {
		return nativemsg.Message{
			"method": strings.ReplaceAll(method, LegacyNamespace, ""),
			"params": params,
		}
	}
	return nativemsg.Message{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      LegacyRequestID,
	}
}

// IsResponse classifies a helper message: it answers the pending request
// when its type is "method" or "result", or when it has no name.
// Everything else is a pushed event.
func IsResponse(msg nativemsg.Message) bool {
	switch msg.String("type") {
	case "method", "result":
		return true
	}
	return !msg.Truthy("name")
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
		return common.ErrSessionClosed
	case s.state != StateReady:
		return common.ErrNotReady
	case s.desynced:
		return common.ErrSessionDesynced
	}
	return nil
}

// Call sends one request and waits for its response, skipping events.
// A response with an "error" field yields *DaemonError. If ctx ends while
// waiting, the late response can no longer be told apart from the next
// one, so the session refuses further calls with ErrSessionDesynced.
func (s *Session) Call(ctx context.Context, method string, params map[string]any) (nativemsg.Message, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := s.BuildRequest(method, params)
	s.opts.logger.Debug("Sending: %s", common.Truncate(req.JSON(), 100))
	if err := s.w.WriteMessage(req, s.IsNewProtocol()); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		msg, err := s.next(ctx, nil)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				s.mu.Lock()
				s.desynced = true
				s.mu.Unlock()
				s.opts.logger.Warn("%s abandoned while waiting for a response: %v", method, err)
			}
			return nil, fmt.Errorf("%s: %w", method, err)
		}

		if !IsResponse(msg) {
			if s.opts.onEvent != nil {
				s.opts.onEvent(msg)
			}
			continue
		}

		if msg.Has("error") {
			return nil, &DaemonError{Method: method, Payload: msg["error"]}
		}
		return msg, nil
	}
}

// Close terminates the session and runs the closer. Later calls are no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
