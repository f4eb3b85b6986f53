// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"log"

	"github.com/projectacrn/vhost-devicemodel/eventfd"
	"github.com/projectacrn/vhost-devicemodel/hypervisor"
)

// QueueState is one virtqueue's position in the state machine spec §4.F
// defines: Uninitialized -> Initialized -> Running -> Stopped, and back
// to Uninitialized on Deinit.
type QueueState int

const (
	QueueUninitialized QueueState = iota
	QueueInitialized
	QueueRunning
	QueueStopped
)

func (s QueueState) String() string {
	switch s {
	case QueueUninitialized:
		return "uninitialized"
	case QueueInitialized:
		return "initialized"
	case QueueRunning:
		return "running"
	case QueueStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Virtqueue is the handle for one queue of a Device: it owns the queue's
// kick/call eventfd pair and its hypervisor binding, and drives both
// through the capability transport in the order spec §4.F requires.
type Virtqueue struct {
	index int
	cap   Capability
	base  VirtioBase
	hv    hypervisor.Hypervisor

	state  QueueState
	events *eventfd.Pair
	link   *hypervisor.Link

	lastAvailIndex uint16
	savedUsedIndex uint16
}

func newVirtqueue(index int, cap Capability, base VirtioBase, hv hypervisor.Hypervisor) *Virtqueue {
	return &Virtqueue{index: index, cap: cap, base: base, hv: hv, state: QueueUninitialized}
}

// State reports the queue's current lifecycle state.
func (q *Virtqueue) State() QueueState { return q.state }

// init creates the queue's eventfd pair. It is only valid from
// Uninitialized.
func (q *Virtqueue) init() error {
	if q.state != QueueUninitialized {
		return newErr(StateViolation, "virtqueue-init", badState(q.index, q.state, QueueUninitialized))
	}
	pair, err := eventfd.NewPair()
	if err != nil {
		return newErr(ResourceExhausted, "virtqueue-init", err)
	}
	q.events = pair
	q.state = QueueInitialized
	return nil
}

// start publishes the queue to the backend and binds its eventfds to the
// hypervisor, in the order spec §4.F requires: drain stale events,
// register with the hypervisor, then publish size, base offset,
// descriptor/available/used pointers, the call fd, and finally the kick
// fd. A failure at any step unwinds what this call itself published
// (the call fd, if set) and deregisters the hypervisor link, leaving the
// queue in Initialized rather than Running.
func (q *Virtqueue) start() error {
	if q.state != QueueInitialized {
		return newErr(StateViolation, "virtqueue-start", badState(q.index, q.state, QueueInitialized))
	}

	if _, err := q.events.Kick.TestAndClear(); err != nil {
		return newErr(TransportIO, "virtqueue-start-drain-kick", err)
	}
	if _, err := q.events.Call.TestAndClear(); err != nil {
		return newErr(TransportIO, "virtqueue-start-drain-call", err)
	}

	info := q.base.Queue(q.index)
	msiEntry := q.base.MSIXEntry(info.MSIXTableIndex)

	link, err := hypervisor.Register(q.hv, q.events.Kick.Fd(), info.NotifyAddress, info.NotifyValue, q.events.Call.Fd(),
		hypervisor.MSIEntry{Address: msiEntry.Address, Data: msiEntry.Data})
	if err != nil {
		return newErr(TransportIO, "virtqueue-start-hypervisor-register", err)
	}

	var callSet bool
	fail := func(op string, err error) error {
		if callSet {
			if uerr := q.cap.SetVringCall(q.index, NoFD); uerr != nil {
				log.Printf("vhost: queue %d: undo call fd during start failure: %v", q.index, uerr)
			}
		}
		if uerr := link.Deregister(); uerr != nil {
			log.Printf("vhost: queue %d: deregister hypervisor link during start failure: %v", q.index, uerr)
		}
		return newErr(TransportIO, op, err)
	}

	if err := q.cap.SetVringNum(q.index, info.Size); err != nil {
		return fail("virtqueue-start-set-num", err)
	}
	if err := q.cap.SetVringBase(q.index, info.LastAvailIndex); err != nil {
		return fail("virtqueue-start-set-base", err)
	}
	if err := q.cap.SetVringAddr(q.index, VringAddr{
		DescAddr:  info.DescAddr,
		AvailAddr: info.AvailAddr,
		UsedAddr:  info.UsedAddr,
	}); err != nil {
		return fail("virtqueue-start-set-addr", err)
	}
	if err := q.cap.SetVringCall(q.index, q.events.Call.Fd()); err != nil {
		return fail("virtqueue-start-set-call", err)
	}
	callSet = true
	if err := q.cap.SetVringKick(q.index, q.events.Kick.Fd()); err != nil {
		return fail("virtqueue-start-set-kick", err)
	}

	q.link = link
	q.state = QueueRunning
	return nil
}

// stop tears the queue down in the order spec §4.F requires: the kick fd
// is detached first to silence further guest-to-backend notifications,
// then the call fd; the backend's last-seen available index is read back
// and written into the front-end's queue state so a later start resumes
// exactly there; the used index is snapshotted; and finally the
// hypervisor link is deregistered. Every step is attempted even if an
// earlier one failed, and the errors are combined.
func (q *Virtqueue) stop() error {
	if q.state != QueueRunning {
		return newErr(StateViolation, "virtqueue-stop", badState(q.index, q.state, QueueRunning))
	}

	var errs []error
	if err := q.cap.SetVringKick(q.index, NoFD); err != nil {
		errs = append(errs, err)
	}
	if err := q.cap.SetVringCall(q.index, NoFD); err != nil {
		errs = append(errs, err)
	}

	if avail, err := q.cap.GetVringBase(q.index); err != nil {
		errs = append(errs, err)
	} else {
		q.lastAvailIndex = avail
		q.base.SetQueueLastAvail(q.index, avail)
	}
	q.savedUsedIndex = q.base.Queue(q.index).SavedUsedIndex

	if q.link != nil {
		if err := q.link.Deregister(); err != nil {
			errs = append(errs, err)
		}
		q.link = nil
	}

	q.state = QueueStopped
	if len(errs) > 0 {
		return newErr(TransportIO, "virtqueue-stop", combine(errs))
	}
	return nil
}

// deinit closes the queue's eventfds and returns it to Uninitialized.
// Valid from any state; close failures are logged, not propagated, per
// eventfd.Pair.Close's own contract.
func (q *Virtqueue) deinit() error {
	if q.events != nil {
		if err := q.events.Close(); err != nil {
			log.Printf("vhost: queue %d: close eventfd pair: %v", q.index, err)
		}
		q.events = nil
	}
	q.state = QueueUninitialized
	return nil
}
