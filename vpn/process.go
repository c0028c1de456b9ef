// Package vpn provides the protocol session and RPC client for the VPN
// browser helper.
// This file contains helper process startup and teardown.
package vpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/yllada/xvpn-control/common"
)

// ExtensionOrigin returns the origin argument the helper expects from a
// browser launching it.
func ExtensionOrigin(extensionID string) string {
	return fmt.Sprintf("chrome-extension://%s/", extensionID)
}

// Spawn starts the helper at servicePath and handshakes with it.
// The process runs in the OS temp directory. On any failure the process is
// torn down before returning.
func Spawn(ctx context.Context, servicePath, extensionID string, handshakeTimeout time.Duration, opts ...SessionOption) (*Session, error) {
	o := defaultSessionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = common.HandshakeTimeout
	}

	cmd := exec.Command(servicePath, ExtensionOrigin(extensionID))
	cmd.Dir = os.TempDir()
	cmd.WaitDelay = o.closeGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	o.logger.Debug("Starting helper: %s %s", servicePath, ExtensionOrigin(extensionID))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %w", common.ErrDaemonUnreachable, servicePath, err)
	}
	o.logger.Debug("Helper started with PID %d", cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go drainStderr(stderr, o.logger, stderrDone)

	pc := &processCloser{
		cmd:        cmd,
		stdin:      stdin,
		stderrDone: stderrDone,
		grace:      o.closeGrace,
		logger:     o.logger,
	}
	s := NewSession(stdout, stdin, pc, opts...)

	if err := s.Handshake(ctx, handshakeTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// drainStderr keeps the helper's stderr pipe from filling up. done is
// closed once the pipe reaches EOF.
func drainStderr(r io.Reader, logger common.Logger, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("helper: %s", scanner.Text())
	}
}

// processCloser stops the helper: stdin is closed so a well-behaved helper
// exits on its own, and it is killed once the grace period runs out.
type processCloser struct {
	cmd        *exec.Cmd
	stdin      io.Closer
	stderrDone <-chan struct{}
	grace      time.Duration
	logger     common.Logger

	once sync.Once
	err  error
}

func (p *processCloser) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()

		// Wait closes the stderr pipe, so the drain has to finish first. The
		// bound covers a grandchild that inherited stderr and keeps it open.
		exited := make(chan error, 1)
		go func() {
			select {
			case <-p.stderrDone:
			case <-time.After(2 * p.grace):
			}
			exited <- p.cmd.Wait()
		}()

		var err error
		select {
		case err = <-exited:
		case <-time.After(p.grace):
			p.logger.Debug("Helper did not exit within %v, killing PID %d", p.grace, p.cmd.Process.Pid)
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				p.err = fmt.Errorf("kill helper: %w", kerr)
			}
			err = <-exited
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) && p.err == nil {
			p.err = fmt.Errorf("wait for helper: %w", err)
		}
	})
	return p.err
}
