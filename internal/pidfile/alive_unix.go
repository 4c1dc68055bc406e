//go:build unix

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// alive sends signal 0 to pid. EPERM means the process exists but
// belongs to another user.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
