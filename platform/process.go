package platform

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/yllada/xvpn-control/common"
)

// processLister returns the names of all running processes.
type processLister func(ctx context.Context) ([]string, error)

// listProcesses reads the process table. Processes that vanish or deny
// access while being read are skipped.
func listProcesses(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// anyRunning reports whether one of wanted appears in the process table.
func anyRunning(ctx context.Context, list processLister, wanted []string) (bool, error) {
	names, err := list(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if common.StringInSlice(name, wanted) {
			return true, nil
		}
	}
	return false, nil
}

// startDetached launches path in its own session or process group without
// waiting for it.
func startDetached(path string, args ...string) error {
	if !common.FileExists(path) {
		return fmt.Errorf("application not found at %s", path)
	}

	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = detachAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}
	common.LogInfo("Started %s (PID %d)", path, cmd.Process.Pid)
	return cmd.Process.Release()
}
