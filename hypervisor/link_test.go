// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hypervisor

import (
	"errors"
	"testing"

	"github.com/projectacrn/vhost-devicemodel/memtable"
)

type fakeHypervisor struct {
	ioeventfds map[int]uint64
	irqfds     map[int]MSIEntry

	failIrqfd bool
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		ioeventfds: map[int]uint64{},
		irqfds:     map[int]MSIEntry{},
	}
}

func (f *fakeHypervisor) RegisterIoeventfd(fd int, address, value uint64) error {
	f.ioeventfds[fd] = address
	return nil
}

func (f *fakeHypervisor) DeregisterIoeventfd(fd int, address, value uint64) error {
	if _, ok := f.ioeventfds[fd]; !ok {
		return errors.New("not registered")
	}
	delete(f.ioeventfds, fd)
	return nil
}

func (f *fakeHypervisor) RegisterIrqfd(fd int, msiAddress uint64, msiData uint32) error {
	if f.failIrqfd {
		return errors.New("irqfd rejected")
	}
	f.irqfds[fd] = MSIEntry{Address: msiAddress, Data: msiData}
	return nil
}

func (f *fakeHypervisor) DeregisterIrqfd(fd int) error {
	if _, ok := f.irqfds[fd]; !ok {
		return errors.New("not registered")
	}
	delete(f.irqfds, fd)
	return nil
}

func (f *fakeHypervisor) MemoryWindows() []memtable.Window { return nil }

func TestRegisterDeregister(t *testing.T) {
	hv := newFakeHypervisor()
	l, err := Register(hv, 10, 0x1000, 0, 11, MSIEntry{Address: 0xfee00000, Data: 42})
	if err != nil {
		t.Fatal(err)
	}
	if len(hv.ioeventfds) != 1 || len(hv.irqfds) != 1 {
		t.Fatalf("after Register: ioeventfds=%v irqfds=%v", hv.ioeventfds, hv.irqfds)
	}

	if err := l.Deregister(); err != nil {
		t.Fatal(err)
	}
	if len(hv.ioeventfds) != 0 || len(hv.irqfds) != 0 {
		t.Fatalf("after Deregister: ioeventfds=%v irqfds=%v", hv.ioeventfds, hv.irqfds)
	}
}

func TestRegisterAllOrNothing(t *testing.T) {
	hv := newFakeHypervisor()
	hv.failIrqfd = true

	_, err := Register(hv, 10, 0x1000, 0, 11, MSIEntry{Address: 0xfee00000, Data: 42})
	if err == nil {
		t.Fatal("expected Register to fail")
	}
	if len(hv.ioeventfds) != 0 {
		t.Errorf("ioeventfd not unwound after irqfd failure: %v", hv.ioeventfds)
	}
}
