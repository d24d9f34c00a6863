//go:build !windows

package signals

import (
	"os"
	"syscall"
)

var handled = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGUSR2,
	syscall.SIGPIPE,
	syscall.SIGABRT,
}

func raise(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return nil
	}
	return syscall.Kill(os.Getpid(), s)
}
