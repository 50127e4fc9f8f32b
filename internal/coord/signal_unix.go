//go:build unix

package coord

import "golang.org/x/sys/unix"

// terminate delivers SIGTERM to pid.
func terminate(pid int) error { return unix.Kill(pid, unix.SIGTERM) }
