package platform

import (
	"context"
)

const (
	darwinProgramPath = "/Applications/ExpressVPN.app/Contents/MacOS/ExpressVPN"
	darwinServicePath = "/Applications/ExpressVPN.app/Contents/MacOS/expressvpn-browser-helper"
)

// Darwin runs the application as a regular app bundle.
type Darwin struct {
	list processLister
}

// NewDarwin reads the live process table.
func NewDarwin() *Darwin {
	return &Darwin{list: listProcesses}
}

func (d *Darwin) Name() string              { return "darwin" }
func (d *Darwin) ProgramPath() string       { return darwinProgramPath }
func (d *Darwin) ProcessNames() []string    { return []string{"ExpressVPN"} }
func (d *Darwin) LocationNameField() string { return "name" }

// ServicePath returns the helper inside the app bundle.
func (d *Darwin) ServicePath() (string, error) {
	return firstExisting(darwinServicePath)
}

// Running scans the process table for the application.
func (d *Darwin) Running(ctx context.Context) (bool, error) {
	return anyRunning(ctx, d.list, d.ProcessNames())
}

// StartApp launches the application bundle's executable.
func (d *Darwin) StartApp(ctx context.Context) error {
	return startDetached(d.ProgramPath())
}
