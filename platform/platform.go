// Package platform locates the VPN desktop application and its browser
// helper on each supported operating system.
package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/yllada/xvpn-control/common"
)

// Platform is the per-OS knowledge the client needs: where the helper
// lives, how the catalog names locations, and how to check on or start the
// desktop application.
type Platform interface {
	// Name identifies the platform ("linux", "darwin", "windows").
	Name() string
	// ProgramPath is the desktop application's executable.
	ProgramPath() string
	// ServicePath is the browser helper executable.
	ServicePath() (string, error)
	// ProcessNames are the process names of a running application.
	ProcessNames() []string
	// LocationNameField is the catalog field holding a location's name.
	LocationNameField() string
	// Running reports whether the application is up.
	Running(ctx context.Context) (bool, error)
	// StartApp launches the application.
	StartApp(ctx context.Context) error
}

// Detect returns the Platform for the running OS.
func Detect() (Platform, error) {
	return ForOS(runtime.GOOS)
}

// ForOS returns the Platform for goos.
func ForOS(goos string) (Platform, error) {
	switch goos {
	case "linux":
		return NewLinux(), nil
	case "darwin":
		return NewDarwin(), nil
	case "windows":
		return NewWindows(), nil
	default:
		return nil, fmt.Errorf("unsupported operating system: %s", goos)
	}
}

// WithServicePath returns p with its helper path replaced by path.
// An empty path returns p unchanged.
func WithServicePath(p Platform, path string) Platform {
	if path == "" {
		return p
	}
	return &servicePathOverride{Platform: p, path: path}
}

type servicePathOverride struct {
	Platform
	path string
}

func (o *servicePathOverride) ServicePath() (string, error) {
	if !common.FileExists(o.path) {
		return "", fmt.Errorf("%w: %s", common.ErrServiceNotFound, o.path)
	}
	return o.path, nil
}

// firstExisting returns the first candidate that exists on disk.
func firstExisting(candidates ...string) (string, error) {
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", common.ErrServiceNotFound, candidates)
}
