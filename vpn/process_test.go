package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/xvpn-control/common"
	"github.com/yllada/xvpn-control/nativemsg"
)

const fakeHelperEnv = "XVPN_FAKE_HELPER"

// TestMain lets the test binary stand in for the browser helper when
// fakeHelperEnv is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeHelperEnv); mode != "" {
		os.Exit(runFakeHelper(mode))
	}
	os.Exit(m.Run())
}

func runFakeHelper(mode string) int {
	w := nativemsg.NewWriter(os.Stdout)
	fmt.Fprintln(os.Stderr, "fake helper starting")

	if mode != "silent" {
		if err := w.WriteMessage(nativemsg.Message{"connected": true, "browser_helper_protocol": 2}, false); err != nil {
			return 1
		}
	}

	wd, _ := os.Getwd()
	origin := ""
	if len(os.Args) > 1 {
		origin = os.Args[1]
	}

	for {
		req, err := nativemsg.ReadMessage(os.Stdin)
		if errors.Is(err, common.ErrTransportClosed) {
			switch mode {
			case "stubborn":
				time.Sleep(time.Minute)
			case "farewell":
				fmt.Fprintln(os.Stderr, "fake helper exiting")
			}
			return 0
		}
		if err != nil {
			return 2
		}
		resp := nativemsg.Message{"type": "result", "method": req["method"], "origin": origin, "cwd": wd}
		if err := w.WriteMessage(resp, false); err != nil {
			return 1
		}
	}
}

func spawnFake(t *testing.T, mode string, timeout time.Duration, opts ...SessionOption) (*Session, error) {
	t.Helper()
	t.Setenv(fakeHelperEnv, mode)
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	opts = append([]SessionOption{WithLogger(common.NopLogger{}), WithPollInterval(10 * time.Millisecond)}, opts...)
	return Spawn(context.Background(), exe, "testextension", timeout, opts...)
}

func sameDir(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}

func TestExtensionOrigin(t *testing.T) {
	if got := ExtensionOrigin(common.ExtensionID); got != "chrome-extension://fgddmllnllkalaagkghckoinaemmogpe/" {
		t.Errorf("ExtensionOrigin() = %q", got)
	}
}

func TestSpawn_RoundTrip(t *testing.T) {
	s, err := spawnFake(t, "v2", 10*time.Second)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer s.Close()

	if !s.IsNewProtocol() {
		t.Error("fake helper announced protocol 2")
	}

	resp, err := s.Call(context.Background(), "XVPN.GetStatus", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.String("method") != "GetStatus" {
		t.Errorf("helper saw method %q, want GetStatus", resp.String("method"))
	}
	if resp.String("origin") != "chrome-extension://testextension/" {
		t.Errorf("helper argument = %q", resp.String("origin"))
	}
	if !sameDir(resp.String("cwd"), os.TempDir()) {
		t.Errorf("helper cwd = %q, want %q", resp.String("cwd"), os.TempDir())
	}

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > common.CloseGrace {
		t.Errorf("cooperative helper took %v to stop", elapsed)
	}
}

func TestSpawn_HandshakeTimeout(t *testing.T) {
	start := time.Now()
	_, err := spawnFake(t, "silent", 300*time.Millisecond)
	if !errors.Is(err, common.ErrDaemonUnreachable) {
		t.Fatalf("Spawn() error = %v, want ErrDaemonUnreachable", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Spawn() took %v", elapsed)
	}
}

func TestSpawn_KillsAfterGrace(t *testing.T) {
	s, err := spawnFake(t, "stubborn", 10*time.Second, WithCloseGrace(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Close() did not kill a helper that ignores stdin")
	}
}

// lineLogger keeps every formatted line.
type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) add(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(msg, args...))
}

func (l *lineLogger) Debug(msg string, args ...interface{}) { l.add(msg, args...) }
func (l *lineLogger) Info(msg string, args ...interface{})  { l.add(msg, args...) }
func (l *lineLogger) Warn(msg string, args ...interface{})  { l.add(msg, args...) }
func (l *lineLogger) Error(msg string, args ...interface{}) { l.add(msg, args...) }

func (l *lineLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func TestSpawn_CloseDrainsStderr(t *testing.T) {
	logger := &lineLogger{}
	s, err := spawnFake(t, "farewell", 10*time.Second, WithLogger(logger))
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !logger.contains("helper: fake helper exiting") {
		t.Error("stderr written while exiting should be logged before Close returns")
	}
}

func TestSpawn_MissingBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-such-helper")
	_, err := Spawn(context.Background(), path, common.ExtensionID, time.Second, WithLogger(common.NopLogger{}))
	if !errors.Is(err, common.ErrDaemonUnreachable) {
		t.Errorf("Spawn() error = %v, want ErrDaemonUnreachable", err)
	}
}
