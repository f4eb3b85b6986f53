// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eventfd

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestTestAndClear(t *testing.T) {
	fd, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()

	if got, err := fd.TestAndClear(); err != nil {
		t.Fatal(err)
	} else if got {
		t.Errorf("TestAndClear on fresh eventfd: got true, want false")
	}

	if err := fd.Signal(); err != nil {
		t.Fatal(err)
	}

	if got, err := fd.TestAndClear(); err != nil {
		t.Fatal(err)
	} else if !got {
		t.Errorf("TestAndClear after Signal: got false, want true")
	}

	// draining leaves it empty again.
	if got, err := fd.TestAndClear(); err != nil {
		t.Fatal(err)
	} else if got {
		t.Errorf("TestAndClear after drain: got true, want false")
	}
}

func TestTestAndClearCoalesces(t *testing.T) {
	fd, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close()

	// Counter semantics: multiple signals coalesce into one readable
	// event, not N.
	for i := 0; i < 3; i++ {
		if err := fd.Signal(); err != nil {
			t.Fatal(err)
		}
	}

	if got, err := fd.TestAndClear(); err != nil {
		t.Fatal(err)
	} else if !got {
		t.Errorf("TestAndClear: got false, want true")
	}
	if got, err := fd.TestAndClear(); err != nil {
		t.Fatal(err)
	} else if got {
		t.Errorf("second TestAndClear: got true, want false (already drained)")
	}
}

func TestNewPairDistinctFDsAndClose(t *testing.T) {
	p, err := NewPair()
	if err != nil {
		t.Fatal(err)
	}
	if p.Kick.Fd() == p.Call.Fd() {
		t.Fatalf("kick and call share fd %d", p.Kick.Fd())
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Both fds are actually closed: a further close fails with EBADF.
	if err := unix.Close(p.Kick.Fd()); err == nil {
		t.Errorf("kick fd %d still open after Pair.Close", p.Kick.Fd())
	}
}
