// File: internal/ioctl/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package ioctl carries the raw kbase kernel ABI: fixed-layout control-call
// structures for the three supported interface revisions (legacy job-manager,
// current job-manager, command-stream frontend), the ioctl request encoding,
// and the Sys bundle of system calls the device layer is written against.
//
// The kernel reads these structures as raw bytes. Every struct is declared
// with explicit fixed-width fields in ABI order, padding spelled out, and a
// compile-time size assertion in sizes.go.
package ioctl
