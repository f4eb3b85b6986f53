// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package devicemodel collects the vhost.Device handles a device-model
// process owns and drives their shutdown. Spec §5 "A device-model
// shutdown traverses every device and performs stop followed by
// deinit"; operations across different device handles have no defined
// inter-ordering, so the traversal runs one device per goroutine.
package devicemodel

import (
	"golang.org/x/sync/errgroup"

	"github.com/projectacrn/vhost-devicemodel/vhost"
)

// Set is an unordered collection of devices a single device-model
// process owns. It is not safe for concurrent calls to Add/Shutdown
// from multiple goroutines; Shutdown itself fans out across the
// devices it holds.
type Set struct {
	devices []*vhost.Device
}

// Add registers d with the set. d is not started or initialized by Add;
// the caller drives its own Init/Start.
func (s *Set) Add(d *vhost.Device) {
	s.devices = append(s.devices, d)
}

// Devices returns the set's current members, in registration order.
func (s *Set) Devices() []*vhost.Device {
	out := make([]*vhost.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Shutdown stops and deinitializes every device in the set. Each
// device's own stop-then-deinit sequence runs strictly in order (spec
// §5 "Operations on one device handle are strictly sequential"), but
// devices run concurrently with each other, since spec §5 guarantees no
// inter-device ordering. The first error from any device is returned
// once every device has finished its own shutdown; a slow or failing
// device never blocks the others from shutting down.
func (s *Set) Shutdown() error {
	var g errgroup.Group
	for _, d := range s.devices {
		d := d
		g.Go(func() error {
			if err := d.Stop(); err != nil {
				return err
			}
			return d.Deinit()
		})
	}
	return g.Wait()
}
