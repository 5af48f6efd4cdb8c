// File: internal/ioctl/sys_stub.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-Linux stub. Real kbase devices only exist on Linux; the no-op backend
// (fake.Sys) remains available everywhere.

package ioctl

import (
	"errors"
	"time"
	"unsafe"
)

var errUnsupported = errors.New("kbase device access requires linux")

type stubSys struct{}

// NewSys on non-Linux platforms returns a Sys whose every call fails.
func NewSys(fd int) Sys { return stubSys{} }

func (stubSys) Ioctl(uint32, unsafe.Pointer) (int, error)      { return -1, errUnsupported }
func (stubSys) Mmap(int, int, int64) ([]byte, error)           { return nil, errUnsupported }
func (stubSys) Munmap([]byte) error                            { return errUnsupported }
func (stubSys) Poll(time.Duration) (bool, error)               { return false, errUnsupported }
func (stubSys) ReadEvents([]byte) (int, error)                 { return 0, errUnsupported }
func (stubSys) DupCloexec(int) (int, error)                    { return -1, errUnsupported }
func (stubSys) CloseFD(int) error                              { return errUnsupported }
func (stubSys) SameFile(int, int) (bool, error)                { return false, errUnsupported }
func (stubSys) Close() error                                   { return nil }
