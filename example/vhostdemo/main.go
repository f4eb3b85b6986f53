// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command vhostdemo wires a stand-in front-end to the vhost offload
// core over both transports, to demonstrate the construction sequence a
// real virtio device front-end follows: build a VirtioBase, pick a
// transport, construct a vhost.Device, and drive its lifecycle. It is
// not a virtio device implementation — per spec §1, concrete device
// semantics and the virtio transport layer are this core's external
// collaborators, not something it provides.
package main

import (
	"flag"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/vhost-devicemodel/hypervisor"
	"github.com/projectacrn/vhost-devicemodel/memtable"
	"github.com/projectacrn/vhost-devicemodel/vhost"
	"github.com/projectacrn/vhost-devicemodel/vhostkernel"
	"github.com/projectacrn/vhost-devicemodel/vhostuser"
)

var (
	kernelDev = flag.String("kernel-dev", "", "path to a vhost character device (e.g. /dev/vhost-net); empty skips the kernel-transport demo")
	userSock  = flag.String("user-sock", "", "path to a vhost-user backend's listening socket; empty skips the user-transport demo")
)

func main() {
	flag.Parse()

	base := newDemoBase(1, 256)
	hv := newLoggingHypervisor()

	if *kernelDev != "" {
		if err := runKernel(*kernelDev, base, hv); err != nil {
			log.Fatalf("kernel transport demo: %v", err)
		}
	}
	if *userSock != "" {
		if err := runUser(*userSock, base, hv); err != nil {
			log.Fatalf("user transport demo: %v", err)
		}
	}
	if *kernelDev == "" && *userSock == "" {
		log.Print("vhostdemo: pass -kernel-dev or -user-sock to exercise a transport")
	}
}

func runKernel(path string, base vhost.VirtioBase, hv hypervisor.Hypervisor) error {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return err
	}
	tr := vhostkernel.New(fd)
	return driveLifecycle(base, tr, hv)
}

func runUser(path string, base vhost.VirtioBase, hv hypervisor.Hypervisor) error {
	client, err := vhostuser.Dial(path, 2*time.Second)
	if err != nil {
		return err
	}
	tr := vhostuser.New(client)
	return driveLifecycle(base, tr, hv)
}

// driveLifecycle runs one full Init/Start/Stop/Deinit cycle (spec §4.G)
// and logs each transition, the way a front-end's own teardown path
// would.
func driveLifecycle(base vhost.VirtioBase, cap vhost.Capability, hv hypervisor.Hypervisor) error {
	d := vhost.NewDevice(base, cap, hv, 0, base.QueueCount(), 0x1_0000_0000, 0, 0)

	if err := d.Init(); err != nil {
		return err
	}
	log.Print("device initialized")

	if err := d.Start(); err != nil {
		return err
	}
	log.Printf("device running: effective features %s", d.EffectiveFeatures())

	if err := d.Stop(); err != nil {
		return err
	}
	log.Print("device stopped")

	return d.Deinit()
}

// demoBase is a fixed VirtioBase stand-in: driver-ok and MSI-X are
// already set, as a real guest driver would have done before the
// device-model calls Start.
type demoBase struct {
	queues   []vhost.QueueInfo
	features vhost.FeatureMask
}

func newDemoBase(queueCount int, queueSize uint32) *demoBase {
	b := &demoBase{}
	for i := 0; i < queueCount; i++ {
		b.queues = append(b.queues, vhost.QueueInfo{Size: queueSize, MSIXTableIndex: i})
	}
	return b
}

func (b *demoBase) QueueCount() int             { return len(b.queues) }
func (b *demoBase) Queue(i int) vhost.QueueInfo { return b.queues[i] }
func (b *demoBase) MSIXEntry(i int) vhost.MSIEntry {
	return vhost.MSIEntry{Address: 0xfee00000, Data: uint32(i)}
}
func (b *demoBase) Status() uint8                           { return vhost.StatusDriverOK }
func (b *demoBase) MSIXEnabled() bool                       { return true }
func (b *demoBase) NegotiatedFeatures() vhost.FeatureMask   { return b.features }
func (b *demoBase) SetDeviceCapability(m vhost.FeatureMask) { b.features = m }
func (b *demoBase) SetQueueLastAvail(i int, avail uint16)   { b.queues[i].LastAvailIndex = avail }

var _ vhost.VirtioBase = (*demoBase)(nil)

// loggingHypervisor stands in for the real KVM ioeventfd/irqfd fabric:
// it logs what would have been registered instead of issuing real
// ioctls, so this demo runs without a /dev/kvm fd.
type loggingHypervisor struct{}

func newLoggingHypervisor() *loggingHypervisor { return &loggingHypervisor{} }

func (loggingHypervisor) RegisterIoeventfd(fd int, address, value uint64) error {
	log.Printf("register ioeventfd fd=%d address=%#x value=%#x", fd, address, value)
	return nil
}
func (loggingHypervisor) DeregisterIoeventfd(fd int, address, value uint64) error {
	log.Printf("deregister ioeventfd fd=%d address=%#x value=%#x", fd, address, value)
	return nil
}
func (loggingHypervisor) RegisterIrqfd(fd int, msiAddress uint64, msiData uint32) error {
	log.Printf("register irqfd fd=%d msi_address=%#x msi_data=%#x", fd, msiAddress, msiData)
	return nil
}
func (loggingHypervisor) DeregisterIrqfd(fd int) error {
	log.Printf("deregister irqfd fd=%d", fd)
	return nil
}
func (loggingHypervisor) MemoryWindows() []memtable.Window { return nil }

var _ hypervisor.Hypervisor = (*loggingHypervisor)(nil)
