// Package vpn provides the protocol session and RPC client for the VPN
// browser helper.
// This file contains the Client type which exposes the helper's RPC
// surface on top of a Session.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/xvpn-control/common"
	"github.com/yllada/xvpn-control/nativemsg"
)

// Helper describes the platform's browser helper as far as the client
// needs it.
type Helper interface {
	// Name identifies the platform in logs.
	Name() string
	// ServicePath is the helper binary to spawn.
	ServicePath() (string, error)
	// LocationNameField is the catalog field used as a location's name.
	LocationNameField() string
}

// ClientConfig holds tunables for NewClient. Zero values take defaults.
type ClientConfig struct {
	ExtensionID       string
	HandshakeTimeout  time.Duration
	PollInterval      time.Duration
	CloseGrace        time.Duration
	Logger            common.Logger
	OnEvent           func(nativemsg.Message)
	LocationNameField string
	// Methods restricts the client to the listed methods; nil allows all.
	Methods []string
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ExtensionID == "" {
		c.ExtensionID = common.ExtensionID
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = common.HandshakeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = common.PollInterval
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = common.CloseGrace
	}
	if c.Logger == nil {
		c.Logger = common.GetLogger()
	}
	if c.LocationNameField == "" {
		c.LocationNameField = "name"
	}
	return c
}

func (c ClientConfig) sessionOptions() []SessionOption {
	opts := []SessionOption{
		WithLogger(c.Logger),
		WithPollInterval(c.PollInterval),
		WithCloseGrace(c.CloseGrace),
	}
	if c.OnEvent != nil {
		opts = append(opts, WithEventHandler(c.OnEvent))
	}
	return opts
}

// Client is a typed RPC client bound to one helper session.
// The location catalog is cached per client until InvalidateLocations.
type Client struct {
	session *Session
	cfg     ClientConfig

	mu        sync.Mutex
	locations []Location
}

// NewClient spawns the helper described by h and handshakes with it.
func NewClient(ctx context.Context, h Helper, cfg ClientConfig) (*Client, error) {
	if cfg.LocationNameField == "" {
		cfg.LocationNameField = h.LocationNameField()
	}
	cfg = cfg.withDefaults()

	path, err := h.ServicePath()
	if err != nil {
		return nil, err
	}

	cfg.Logger.Debug("Spawning %s helper %s", h.Name(), path)
	s, err := Spawn(ctx, path, cfg.ExtensionID, cfg.HandshakeTimeout, cfg.sessionOptions()...)
	if err != nil {
		return nil, err
	}
	return &Client{session: s, cfg: cfg}, nil
}

// NewClientWithSession wraps a session that has already handshaken.
func NewClientWithSession(s *Session, cfg ClientConfig) *Client {
	return &Client{session: s, cfg: cfg.withDefaults()}
}

// Session returns the underlying protocol session.
func (c *Client) Session() *Session {
	return c.session
}

// Close tears down the session and the helper process.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (nativemsg.Message, error) {
	if c.cfg.Methods != nil && !common.StringInSlice(method, c.cfg.Methods) {
		return nil, fmt.Errorf("%s: %w by this helper", method, errors.ErrUnsupported)
	}
	return c.session.Call(ctx, method, params)
}

// GetLocations returns the raw location catalog response.
func (c *Client) GetLocations(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodGetLocations, nil)
}

// GetStatus returns the raw status response.
func (c *Client) GetStatus(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodGetStatus, nil)
}

// Status returns the decoded status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(resp), nil
}

// IsConnected reports info.connected from GetStatus.
func (c *Client) IsConnected(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Connected, nil
}

// Connect connects to locationID, or to the selected location when it is
// empty. Ids from Locations are sent in the helper's own JSON type. When a tunnel is already up the helper switches location.
func (c *Client) Connect(ctx context.Context, locationID string) (nativemsg.Message, error) {
	connected, err := c.IsConnected(ctx)
	if err != nil {
		return nil, err
	}

	params := map[string]any{"change_connected_location": connected}
	if locationID != "" {
		params["id"] = c.wireID(locationID)
	}
	return c.call(ctx, MethodConnect, params)
}

// Disconnect drops the tunnel.
func (c *Client) Disconnect(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodDisconnect, nil)
}

// SelectLocation makes locationID the helper's selected location without
// connecting.
func (c *Client) SelectLocation(ctx context.Context, locationID string) (nativemsg.Message, error) {
	return c.call(ctx, MethodSelectLocation, map[string]any{
		"selected_location": map[string]any{"id": c.wireID(locationID)},
	})
}

// wireID returns a cached location's id as the helper sent it. Ids not in
// the cache go out unchanged as strings.
func (c *Client) wireID(locationID string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, loc := range c.locations {
		if loc.ID == locationID {
			return loc.WireID()
		}
	}
	return locationID
}

// GetEnginePreferences returns the raw engine preferences.
func (c *Client) GetEnginePreferences(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodGetEnginePreferences, nil)
}

// Preferences returns the typed engine preferences.
func (c *Client) Preferences(ctx context.Context) (Preferences, error) {
	resp, err := c.GetEnginePreferences(ctx)
	if err != nil {
		return Preferences{}, err
	}
	if prefs := resp.Object("preferences"); prefs != nil {
		resp = prefs
	}
	return ParsePreferences(resp)
}

// GetLogs returns the helper's diagnostic log response.
func (c *Client) GetLogs(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodGetLogs, nil)
}

// StopSpeedTest cancels a running speed test.
func (c *Client) StopSpeedTest(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodStopSpeedTest, nil)
}

// RetryConnect retries a failed connection.
func (c *Client) RetryConnect(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodRetryConnect, nil)
}

// Reset resets the application state.
func (c *Client) Reset(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodReset, nil)
}

// SignOut signs the account out of the application.
func (c *Client) SignOut(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodSignOut, nil)
}

// GetMessages returns in-app messages.
func (c *Client) GetMessages(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodGetMessages, nil)
}

// OpenLocationPicker asks the desktop application to show its picker.
func (c *Client) OpenLocationPicker(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodOpenLocationPicker, nil)
}

// OpenPreferences asks the desktop application to show its preferences.
func (c *Client) OpenPreferences(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodOpenPreferences, nil)
}

// OpenChromePreferences opens the browser integration settings.
func (c *Client) OpenChromePreferences(ctx context.Context) (nativemsg.Message, error) {
	return c.call(ctx, MethodOpenChromePrefs, nil)
}

// Locations returns the location catalog, fetching it on first use.
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	c.mu.Lock()
	cached := c.locations
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	resp, err := c.GetLocations(ctx)
	if err != nil {
		return nil, err
	}
	locations, err := ParseLocations(resp, c.cfg.LocationNameField)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.locations = locations
	c.mu.Unlock()
	return locations, nil
}

// InvalidateLocations drops the cached catalog.
func (c *Client) InvalidateLocations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locations = nil
}

// FindLocation looks a location up by name, ignoring case.
func (c *Client) FindLocation(ctx context.Context, name string) (Location, error) {
	locations, err := c.Locations(ctx)
	if err != nil {
		return Location{}, err
	}
	return FindLocation(locations, name)
}

// LocationID returns the id of the location called name.
// A miss yields *LocationNotFoundError.
func (c *Client) LocationID(ctx context.Context, name string) (string, error) {
	loc, err := c.FindLocation(ctx, name)
	if err != nil {
		return "", err
	}
	return loc.ID, nil
}

// WaitForConnection polls until the tunnel is up or timeout elapses.
func (c *Client) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	return c.waitFor(ctx, true, timeout)
}

// WaitForDisconnect polls until the tunnel is down or timeout elapses.
func (c *Client) WaitForDisconnect(ctx context.Context, timeout time.Duration) error {
	return c.waitFor(ctx, false, timeout)
}

func (c *Client) waitFor(ctx context.Context, want bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = common.ConnectionTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		connected, err := c.IsConnected(ctx)
		if err != nil {
			return err
		}
		if connected == want {
			return nil
		}
		if time.Now().After(deadline) {
			state := "connection"
			if !want {
				state = "disconnect"
			}
			return fmt.Errorf("%w: no %s after %v", common.ErrTimeout, state, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
