package platform

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/xvpn-control/common"
)

const (
	linuxProgramPath = "/usr/bin/expressvpn"
	linuxServicePath = "/usr/bin/expressvpn-browser-helper"
	linuxUnit        = "expressvpn.service"

	systemdDest      = "org.freedesktop.systemd1"
	systemdPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManager   = "org.freedesktop.systemd1.Manager"
	systemdUnitIface = "org.freedesktop.systemd1.Unit"
)

// unitManager is the slice of systemd the Linux platform uses.
type unitManager interface {
	ActiveState(ctx context.Context, unit string) (string, error)
	StartUnit(ctx context.Context, unit string) error
}

// Linux runs the application as a systemd service.
type Linux struct {
	units unitManager
}

// NewLinux talks to systemd over the system D-Bus.
func NewLinux() *Linux {
	return &Linux{units: systemdBus{}}
}

func (l *Linux) Name() string              { return "linux" }
func (l *Linux) ProgramPath() string       { return linuxProgramPath }
func (l *Linux) ProcessNames() []string    { return []string{"ExpressVPN"} }
func (l *Linux) LocationNameField() string { return "country" }

// ServicePath returns the helper path if it is installed.
func (l *Linux) ServicePath() (string, error) {
	return firstExisting(linuxServicePath)
}

// Running reports whether the service unit is active.
func (l *Linux) Running(ctx context.Context) (bool, error) {
	state, err := l.units.ActiveState(ctx, linuxUnit)
	if err != nil {
		return false, err
	}
	common.LogDebug("%s is %s", linuxUnit, state)
	return state == "active", nil
}

// StartApp asks systemd to start the service unit.
func (l *Linux) StartApp(ctx context.Context) error {
	return l.units.StartUnit(ctx, linuxUnit)
}

// systemdBus calls the systemd manager on a fresh system bus connection.
type systemdBus struct{}

func (systemdBus) connect(ctx context.Context) (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return conn, nil
}

func (b systemdBus) ActiveState(ctx context.Context, unit string) (string, error) {
	conn, err := b.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var unitPath dbus.ObjectPath
	manager := conn.Object(systemdDest, systemdPath)
	if err := manager.CallWithContext(ctx, systemdManager+".LoadUnit", 0, unit).Store(&unitPath); err != nil {
		return "", fmt.Errorf("failed to load unit %s: %w", unit, err)
	}

	prop, err := conn.Object(systemdDest, unitPath).GetProperty(systemdUnitIface + ".ActiveState")
	if err != nil {
		return "", fmt.Errorf("failed to read state of %s: %w", unit, err)
	}
	state, ok := prop.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState type %s", prop.Signature())
	}
	return state, nil
}

func (b systemdBus) StartUnit(ctx context.Context, unit string) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var job dbus.ObjectPath
	manager := conn.Object(systemdDest, systemdPath)
	if err := manager.CallWithContext(ctx, systemdManager+".StartUnit", 0, unit, "replace").Store(&job); err != nil {
		return fmt.Errorf("failed to start unit %s: %w", unit, err)
	}
	common.LogInfo("Started %s (job %s)", unit, job)
	return nil
}
