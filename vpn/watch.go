// Package vpn provides the protocol session and RPC client for the VPN
// browser helper.
// This file contains the StatusWatcher which polls the helper and reports
// tunnel state transitions.
package vpn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yllada/xvpn-control/common"
)

// TunnelState is the watcher's view of the tunnel.
type TunnelState int

const (
	TunnelUnknown TunnelState = iota
	TunnelDisconnected
	TunnelConnected
)

// String returns a human-readable representation of the tunnel state.
func (t TunnelState) String() string {
	switch t {
	case TunnelDisconnected:
		return "Disconnected"
	case TunnelConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// WatchConfig holds configuration for the status watcher.
type WatchConfig struct {
	// Interval is how often GetStatus is polled.
	Interval time.Duration
	// FailureThreshold is how many consecutive failed polls turn the state
	// to Unknown.
	FailureThreshold int
}

// DefaultWatchConfig returns the defaults used by -watch.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Interval:         common.WatchInterval,
		FailureThreshold: 3,
	}
}

// StatusSource is anything that can report the tunnel status.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}

// StatusWatcher polls a StatusSource and reports transitions.
type StatusWatcher struct {
	mu               sync.RWMutex
	config           WatchConfig
	source           StatusSource
	running          bool
	stopChan         chan struct{}
	done             chan struct{}
	state            TunnelState
	last             Status
	lastCheck        time.Time
	consecutiveFails int
	onChange         func(from, to TunnelState, st Status)
	onError          func(err error, fails int)
}

// NewStatusWatcher creates a watcher for source.
func NewStatusWatcher(source StatusSource, config WatchConfig) *StatusWatcher {
	def := DefaultWatchConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	done := make(chan struct{})
	close(done)
	return &StatusWatcher{
		config: config,
		source: source,
		done:   done,
	}
}

// SetOnChange sets a callback for state transitions. It runs on the
// watcher goroutine, in transition order.
func (w *StatusWatcher) SetOnChange(callback func(from, to TunnelState, st Status)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = callback
}

// SetOnError sets a callback for failed polls.
func (w *StatusWatcher) SetOnError(callback func(err error, fails int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = callback
}

// Start begins polling. The first poll happens immediately. Polling stops
// on Stop, when ctx ends, or when the session can no longer be used.
func (w *StatusWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stopChan, w.done
	w.mu.Unlock()

	common.LogInfo("Status watcher started (interval: %v)", w.config.Interval)

	go w.runLoop(ctx, stop, done)
}

// Stop stops polling. A poll already in progress completes.
func (w *StatusWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	common.LogInfo("Status watcher stopped")
}

// Done is closed when the polling goroutine has exited.
func (w *StatusWatcher) Done() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.done
}

// IsRunning returns whether the watcher is currently polling.
func (w *StatusWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// State returns the last observed tunnel state.
func (w *StatusWatcher) State() TunnelState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// LastStatus returns the most recent successful poll and when the last
// poll, successful or not, happened.
func (w *StatusWatcher) LastStatus() (Status, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last, w.lastCheck
}

// UpdateConfig updates the watcher configuration. The interval applies
// from the next Start.
func (w *StatusWatcher) UpdateConfig(config WatchConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = config
}

func (w *StatusWatcher) runLoop(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer func() {
		w.mu.Lock()
		if w.stopChan == stop {
			w.running = false
		}
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		if !w.check(ctx) {
			return
		}
		common.GetLogger().CheckRotation()
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check performs one poll. It returns false when polling cannot continue.
func (w *StatusWatcher) check(ctx context.Context) bool {
	st, err := w.source.Status(ctx)

	w.mu.Lock()
	w.lastCheck = time.Now()
	oldState := w.state

	if err != nil {
		w.consecutiveFails++
		fails := w.consecutiveFails
		if fails >= w.config.FailureThreshold {
			w.state = TunnelUnknown
		}
		newState := w.state
		onError, onChange := w.onError, w.onChange
		w.mu.Unlock()

		common.LogWarn("Status poll failed (attempt %d/%d): %v", fails, w.config.FailureThreshold, err)
		if onError != nil {
			onError(err, fails)
		}
		if oldState != newState {
			common.LogInfo("Tunnel state changed: %s -> %s", oldState, newState)
			if onChange != nil {
				onChange(oldState, newState, Status{})
			}
		}
		return !terminal(err) && ctx.Err() == nil
	}

	w.consecutiveFails = 0
	w.last = st
	w.state = TunnelDisconnected
	if st.Connected {
		w.state = TunnelConnected
	}
	newState := w.state
	onChange := w.onChange
	w.mu.Unlock()

	if oldState != newState {
		common.LogInfo("Tunnel state changed: %s -> %s", oldState, newState)
		if onChange != nil {
			onChange(oldState, newState, st)
		}
	}
	return true
}

// terminal reports errors after which the session accepts no more calls.
func terminal(err error) bool {
	return errors.Is(err, common.ErrSessionClosed) ||
		errors.Is(err, common.ErrTransportClosed) ||
		errors.Is(err, common.ErrSessionDesynced) ||
		errors.Is(err, common.ErrNotReady)
}
