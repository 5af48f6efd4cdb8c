// File: internal/ioctl/sys_linux.go
//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Real syscall bundle over a kbase character device fd. The fd must be open
// in non-blocking mode; the notification channel is drained with plain reads
// and ppoll supplies the blocking with an absolute-deadline-derived timeout.

package ioctl

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

type deviceSys struct {
	fd int
}

// NewSys wraps an open kbase device descriptor. Ownership of fd passes to
// the returned Sys.
func NewSys(fd int) Sys {
	return &deviceSys{fd: fd}
}

func (s *deviceSys) Ioctl(req uint32, arg unsafe.Pointer) (int, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), uintptr(req), uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno == unix.EBUSY {
			return -1, ErrBusy
		}
		if errno != 0 {
			return -1, errno
		}
		return int(r), nil
	}
}

func (s *deviceSys) Mmap(length int, prot int, offset int64) ([]byte, error) {
	mprot := 0
	if prot&ProtRead != 0 {
		mprot |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		mprot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(s.fd, offset, length, mprot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(0x%x, %d): %w", offset, length, err)
	}
	return b, nil
}

func (s *deviceSys) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (s *deviceSys) Poll(timeout time.Duration) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Ppoll(pfd, &ts, nil)
	if err == unix.EINTR {
		// Forces a recheck; the read cycle tolerates spurious wakes.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("ppoll(device fd): %w", err)
	}
	return n != 0, nil
}

func (s *deviceSys) ReadEvents(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read(device fd): %w", err)
	}
	return n, nil
}

func (s *deviceSys) DupCloexec(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("fcntl(F_DUPFD_CLOEXEC): %w", err)
	}
	return nfd, nil
}

func (s *deviceSys) CloseFD(fd int) error {
	return unix.Close(fd)
}

func (s *deviceSys) SameFile(fd1, fd2 int) (bool, error) {
	var st1, st2 unix.Stat_t
	if err := unix.Fstat(fd1, &st1); err != nil {
		return false, fmt.Errorf("fstat(%d): %w", fd1, err)
	}
	if err := unix.Fstat(fd2, &st2); err != nil {
		return false, fmt.Errorf("fstat(%d): %w", fd2, err)
	}
	return st1.Dev == st2.Dev && st1.Ino == st2.Ino, nil
}

func (s *deviceSys) Close() error {
	return unix.Close(s.fd)
}
