//go:build !unix && !windows

package platform

import "syscall"

func detachAttr() *syscall.SysProcAttr {
	return nil
}
