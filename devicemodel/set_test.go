// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package devicemodel

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/vhost-devicemodel/hypervisor"
	"github.com/projectacrn/vhost-devicemodel/memtable"
	"github.com/projectacrn/vhost-devicemodel/vhost"
	"github.com/projectacrn/vhost-devicemodel/vhostkernel"
)

// stubBase is a minimal vhost.VirtioBase double: enough for Init to
// succeed and Start/Stop to be no-ops from the front-end's perspective.
type stubBase struct {
	queues []vhost.QueueInfo
}

func (b *stubBase) QueueCount() int                         { return len(b.queues) }
func (b *stubBase) Queue(i int) vhost.QueueInfo             { return b.queues[i] }
func (b *stubBase) MSIXEntry(i int) vhost.MSIEntry          { return vhost.MSIEntry{} }
func (b *stubBase) Status() uint8                           { return vhost.StatusDriverOK }
func (b *stubBase) MSIXEnabled() bool                       { return true }
func (b *stubBase) NegotiatedFeatures() vhost.FeatureMask   { return 0 }
func (b *stubBase) SetDeviceCapability(m vhost.FeatureMask) {}
func (b *stubBase) SetQueueLastAvail(i int, avail uint16)   { b.queues[i].LastAvailIndex = avail }

// stubHypervisor is a hypervisor.Hypervisor double that accepts every
// registration; these tests only exercise Set.Shutdown's fan-out, not
// the hypervisor binding itself.
type stubHypervisor struct{}

func (stubHypervisor) RegisterIoeventfd(fd int, address, value uint64) error         { return nil }
func (stubHypervisor) DeregisterIoeventfd(fd int, address, value uint64) error       { return nil }
func (stubHypervisor) RegisterIrqfd(fd int, msiAddress uint64, msiData uint32) error { return nil }
func (stubHypervisor) DeregisterIrqfd(fd int) error                                  { return nil }
func (stubHypervisor) MemoryWindows() []memtable.Window                              { return nil }

func openVhostStubFD(t *testing.T) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0]
}

func newTestDevice(t *testing.T) *vhost.Device {
	t.Helper()
	base := &stubBase{queues: []vhost.QueueInfo{{Size: 256}}}
	tr := vhostkernel.New(openVhostStubFD(t))
	d := vhost.NewDevice(base, tr, stubHypervisor{}, 0, 1, 0, 0, 0)
	return d
}

func TestSetShutdownRunsEveryDeviceEvenIfUninitialized(t *testing.T) {
	var s Set
	s.Add(newTestDevice(t))
	s.Add(newTestDevice(t))

	// Neither device was ever Init'd/Start'd, so Stop/Deinit on each are
	// no-ops; Shutdown just needs to visit every device without error.
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(s.Devices()) != 2 {
		t.Fatalf("Devices() = %d, want 2", len(s.Devices()))
	}
}

func TestSetShutdownVisitsEveryDeviceConcurrently(t *testing.T) {
	var s Set
	for i := 0; i < 5; i++ {
		s.Add(newTestDevice(t))
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
