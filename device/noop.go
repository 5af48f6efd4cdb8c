// File: device/noop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import "github.com/momentics/kbase-go/fake"

// OpenNoop opens a device over the fake syscall surface: every control call
// succeeds and submitted work completes immediately. It behaves like the
// command-stream frontend and needs no kernel driver, which makes it the
// backend for tests and for dry-running submission logic.
func OpenNoop(cfg Config) (*Device, error) {
	return OpenWith(fake.NewSys(fake.Options{}), cfg)
}

// OpenNoopJM is OpenNoop impersonating the job-manager frontend instead.
func OpenNoopJM(legacy bool, cfg Config) (*Device, error) {
	rev := fake.RevisionJM
	if legacy {
		rev = fake.RevisionJMLegacy
	}
	return OpenWith(fake.NewSys(fake.Options{Revision: rev}), cfg)
}
