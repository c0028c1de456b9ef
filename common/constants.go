// Package common provides shared constants, types, and utilities
// used across xvpnctl.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "xvpnctl"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "xvpnctl"
)

// File names used by the application.
const (
	ConfigFileName  = "config.yaml"
	HistoryFileName = "history.db"
	LogFileName     = "xvpnctl.log"
)

// ExtensionID identifies the vendor browser extension the helper expects
// to be launched for.
const ExtensionID = "fgddmllnllkalaagkghckoinaemmogpe"

// Default timeouts and intervals.
const (
	// HandshakeTimeout is how long to wait for the helper's connected signal.
	HandshakeTimeout = 5 * time.Second
	// ConnectionTimeout is the maximum time to wait for a tunnel state change.
	ConnectionTimeout = 30 * time.Second
	// PollInterval is the delay between handshake and state polls.
	PollInterval = 300 * time.Millisecond
	// CloseGrace is how long the helper is given before it is killed.
	CloseGrace = 1500 * time.Millisecond
	// WatchInterval is how often the status watcher polls.
	WatchInterval = 2 * time.Second
)

// Output formats.
const (
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)
