package dbus

import "golang.org/x/sys/unix"

func dupFd(fd int) (int, error) {
	return unix.Dup(fd)
}
