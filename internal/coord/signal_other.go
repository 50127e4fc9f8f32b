//go:build !unix

package coord

import "os"

// terminate kills pid; there is no SIGTERM off unix.
func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
