//go:build windows

package platform

import "syscall"

const detachedProcess = 0x00000008

// detachAttr starts the child in a new process group without a console,
// so Ctrl-C in this console does not reach it.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | detachedProcess,
	}
}
