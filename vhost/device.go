// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"fmt"
	"log"

	"github.com/projectacrn/vhost-devicemodel/hypervisor"
	"github.com/projectacrn/vhost-devicemodel/memtable"
)

// DeviceState is the Device lifecycle's own state machine (spec §4.G):
// Uninitialized -> Initialized -> Running -> Stopped, with Start from
// either Initialized or Stopped and a no-op Start while already Running.
type DeviceState int

const (
	DeviceUninitialized DeviceState = iota
	DeviceInitialized
	DeviceRunning
	DeviceStopped
)

func (s DeviceState) String() string {
	switch s {
	case DeviceUninitialized:
		return "uninitialized"
	case DeviceInitialized:
		return "initialized"
	case DeviceRunning:
		return "running"
	case DeviceStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Device is one virtio device handed off to a backend through a
// Capability transport. It owns the device's virtqueues (F) and drives
// them, plus the transport itself, through the lifecycle in spec §4.G.
// It holds only a non-owning back-reference to base: the front-end
// retains ownership of it.
type Device struct {
	base VirtioBase
	cap  Capability
	hv   hypervisor.Hypervisor

	startIndex int
	queueCount int

	desiredFeatures   FeatureMask
	extensionFeatures FeatureMask
	busyLoopTimeoutUs uint32

	state           DeviceState
	queues          []*Virtqueue
	backendFeatures FeatureMask
	offeredFeatures FeatureMask
	effective       FeatureMask
}

// NewDevice constructs a Device over an already-selected Capability
// transport (the "capability set" of spec §9's design note). The
// transport's own backend fd/connection is expected to already be set
// up by the caller; NewDevice only wires it into the lifecycle.
func NewDevice(base VirtioBase, cap Capability, hv hypervisor.Hypervisor, startIndex, queueCount int, desired, extension FeatureMask, busyLoopTimeoutUs uint32) *Device {
	return &Device{
		base:              base,
		cap:               cap,
		hv:                hv,
		startIndex:        startIndex,
		queueCount:        queueCount,
		desiredFeatures:   desired,
		extensionFeatures: extension,
		busyLoopTimeoutUs: busyLoopTimeoutUs,
		state:             DeviceUninitialized,
	}
}

// State reports the device's current lifecycle state.
func (d *Device) State() DeviceState { return d.state }

// EffectiveFeatures returns the feature mask applied at the most recent
// Start: the guest's negotiated features intersected with desired,
// unioned with the extension bits (spec §3, §8's subset invariant). It
// is the mask actually in force, not merely the capability offered to
// the guest at Init.
func (d *Device) EffectiveFeatures() FeatureMask { return d.effective }

// Init validates the queue window against the front-end's queue count,
// initializes the transport and every virtqueue, queries the backend's
// features, and advertises to the front-end the device capability the
// backend can honor — (backend ∩ desired) ∪ extension — for the guest
// to negotiate against. This is distinct from the effective mask Start
// applies: until the guest actually negotiates, this is only an offer.
// The starting queue index is the one NewDevice recorded; there is no
// second source of truth for it here.
func (d *Device) Init() error {
	if d.state != DeviceUninitialized {
		return newErr(StateViolation, "device-init", fmt.Errorf("device in state %s, want uninitialized", d.state))
	}
	if d.startIndex+d.queueCount > d.base.QueueCount() {
		return newErr(StateViolation, "device-init", fmt.Errorf(
			"start_index(%d)+queue_count(%d) > base.queue_count(%d)", d.startIndex, d.queueCount, d.base.QueueCount()))
	}

	if err := d.cap.Init(d.startIndex); err != nil {
		return newErr(TransportIO, "device-init-transport", err)
	}

	backendFeatures, err := d.cap.GetFeatures()
	if err != nil {
		return newErr(TransportIO, "device-init-get-features", err)
	}
	d.backendFeatures = backendFeatures

	queues := make([]*Virtqueue, 0, d.queueCount)
	for i := 0; i < d.queueCount; i++ {
		q := newVirtqueue(d.startIndex+i, d.cap, d.base, d.hv)
		if err := q.init(); err != nil {
			for _, started := range queues {
				if derr := started.deinit(); derr != nil {
					log.Printf("vhost: device init unwind: queue %d deinit: %v", started.index, derr)
				}
			}
			return err
		}
		queues = append(queues, q)
	}
	d.queues = queues

	d.offeredFeatures = Effective(d.backendFeatures, d.desiredFeatures, d.extensionFeatures)
	d.base.SetDeviceCapability(d.offeredFeatures)

	d.state = DeviceInitialized
	return nil
}

// Start brings the device up: it verifies driver-ok and MSI-X are
// enabled on the front-end, sets transport ownership, applies the
// negotiated feature mask, publishes the memory table, applies a
// busy-loop timeout per queue if configured and supported, then starts
// every virtqueue in order. If any queue fails to start, the queues
// already started are unwound (stopped in full, in reverse order) and
// the device stays Initialized/Stopped rather than Running. A repeated
// call while already Running is a no-op.
func (d *Device) Start() error {
	if d.state == DeviceRunning {
		return nil
	}
	if d.state != DeviceInitialized && d.state != DeviceStopped {
		return newErr(StateViolation, "device-start", fmt.Errorf("device in state %s, want initialized or stopped", d.state))
	}

	if d.base.Status()&StatusDriverOK == 0 {
		return newErr(StateViolation, "device-start", fmt.Errorf("front-end status %#x lacks driver-ok", d.base.Status()))
	}
	if !d.base.MSIXEnabled() {
		return newErr(StateViolation, "device-start", fmt.Errorf("front-end has not enabled MSI-X"))
	}

	if err := d.cap.SetOwner(); err != nil {
		return newErr(TransportIO, "device-start-set-owner", err)
	}

	negotiated := d.base.NegotiatedFeatures()
	d.effective = Effective(negotiated, d.desiredFeatures, d.extensionFeatures)
	if err := d.cap.SetFeatures(d.effective); err != nil {
		return newErr(TransportIO, "device-start-set-features", err)
	}

	windows := d.hv.MemoryWindows()
	regions := memtable.Build(windows)
	if err := d.cap.SetMemTable(regions); err != nil {
		return newErr(TransportIO, "device-start-set-mem-table", err)
	}

	if d.busyLoopTimeoutUs > 0 && d.cap.SupportsBusyLoopTimeout() {
		for _, q := range d.queues {
			if err := d.cap.SetBusyLoopTimeout(q.index, d.busyLoopTimeoutUs); err != nil {
				return newErr(TransportIO, "device-start-set-busy-loop-timeout", err)
			}
		}
	}

	for i, q := range d.queues {
		if err := q.start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if serr := d.queues[j].stop(); serr != nil {
					log.Printf("vhost: device start unwind: queue %d stop: %v", d.queues[j].index, serr)
				}
			}
			return err
		}
	}

	d.state = DeviceRunning
	return nil
}

// Stop tears every queue down unconditionally, in forward order, so one
// queue's failure to stop does not prevent the others from stopping;
// then, if the transport supports a real device-reset request, issues
// it. Calling Stop on a device that is not Running is a no-op.
func (d *Device) Stop() error {
	if d.state != DeviceRunning {
		return nil
	}

	var errs []error
	for _, q := range d.queues {
		if q.State() != QueueRunning {
			continue
		}
		if err := q.stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.cap.SupportsDeviceReset() {
		if err := d.cap.Reset(); err != nil {
			errs = append(errs, err)
		}
	}

	d.state = DeviceStopped
	if len(errs) > 0 {
		return newErr(TransportIO, "device-stop", combine(errs))
	}
	return nil
}

// Deinit deinitializes every virtqueue and the transport, returning the
// device to Uninitialized. A no-op if already Uninitialized.
func (d *Device) Deinit() error {
	if d.state == DeviceUninitialized {
		return nil
	}

	var errs []error
	for _, q := range d.queues {
		if err := q.deinit(); err != nil {
			errs = append(errs, err)
		}
	}
	d.queues = nil

	if err := d.cap.Deinit(); err != nil {
		errs = append(errs, err)
	}

	d.state = DeviceUninitialized
	if len(errs) > 0 {
		return newErr(TransportIO, "device-deinit", combine(errs))
	}
	return nil
}
