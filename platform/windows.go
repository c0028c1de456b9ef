package platform

import (
	"context"

	"github.com/yllada/xvpn-control/common"
)

const windowsProgramPath = `C:\Program Files (x86)\ExpressVPN\expressvpn-ui\ExpressVPN.exe`

// windowsServiceCandidates are tried in order; installs differ by version.
var windowsServiceCandidates = []string{
	`C:\Program Files (x86)\ExpressVPN\services\ExpressVPN.BrowserHelper.exe`,
	`C:\Program Files (x86)\ExpressVPN\expressvpnd\expressvpn-browser-helper.exe`,
}

// Windows runs the application as a UI process plus a daemon.
type Windows struct {
	list        processLister
	programPath string
	candidates  []string
}

// NewWindows uses the default install locations.
func NewWindows() *Windows {
	return &Windows{
		list:        listProcesses,
		programPath: windowsProgramPath,
		candidates:  windowsServiceCandidates,
	}
}

func (w *Windows) Name() string              { return "windows" }
func (w *Windows) ProgramPath() string       { return w.programPath }
func (w *Windows) ProcessNames() []string    { return []string{"ExpressVPN.exe", "expressvpnd.exe"} }
func (w *Windows) LocationNameField() string { return "name" }

// ServicePath returns the first helper candidate that exists.
func (w *Windows) ServicePath() (string, error) {
	return firstExisting(w.candidates...)
}

// Installed reports whether both the application and a helper are present.
func (w *Windows) Installed() bool {
	if !common.FileExists(w.programPath) {
		return false
	}
	_, err := w.ServicePath()
	return err == nil
}

// Running scans the process table for the UI or the daemon.
func (w *Windows) Running(ctx context.Context) (bool, error) {
	return anyRunning(ctx, w.list, w.ProcessNames())
}

// StartApp launches the UI executable.
func (w *Windows) StartApp(ctx context.Context) error {
	return startDetached(w.programPath)
}
