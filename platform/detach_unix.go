//go:build unix

package platform

import "syscall"

// detachAttr starts the child in its own session so terminal signals
// sent to this process group do not reach it.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
