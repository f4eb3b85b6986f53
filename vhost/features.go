// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"strconv"
	"strings"
)

// Feature bits from include/standard-headers/linux/virtio_config.h and
// virtio_ring.h. Named the way the wire protocol's debug output names
// them, so a log line reads the same whether it comes from the kernel or
// the user transport.
const (
	FeatureNotifyOnEmpty    = 24
	FeatureLogAll           = 26
	FeatureAnyLayout        = 27
	FeatureRingIndirectDesc = 28
	FeatureRingEventIdx     = 29
	FeatureProtocolFeatures = 30
	FeatureVersion1         = 32
	FeatureAccessPlatform   = 33
	FeatureRingPacked       = 34
	FeatureInOrder          = 35
	FeatureOrderPlatform    = 36
	FeatureSRIOV            = 37
	FeatureNotificationData = 38
	FeatureNotifConfigData  = 39
	FeatureRingReset        = 40
	FeatureAdminVQ          = 41
)

var featureNames = map[int]string{
	FeatureNotifyOnEmpty:    "NOTIFY_ON_EMPTY",
	FeatureLogAll:           "LOG_ALL",
	FeatureAnyLayout:        "ANY_LAYOUT",
	FeatureRingIndirectDesc: "RING_INDIRECT_DESC",
	FeatureRingEventIdx:     "RING_EVENT_IDX",
	FeatureProtocolFeatures: "PROTOCOL_FEATURES",
	FeatureVersion1:         "VERSION_1",
	FeatureAccessPlatform:   "ACCESS_PLATFORM",
	FeatureRingPacked:       "RING_PACKED",
	FeatureInOrder:          "IN_ORDER",
	FeatureOrderPlatform:    "ORDER_PLATFORM",
	FeatureSRIOV:            "SR_IOV",
	FeatureNotificationData: "NOTIFICATION_DATA",
	FeatureNotifConfigData:  "NOTIF_CONFIG_DATA",
	FeatureRingReset:        "RING_RESET",
	FeatureAdminVQ:          "ADMIN_VQ",
}

// FeatureMask is a 64-bit virtio feature bitmask.
type FeatureMask uint64

// Has reports whether bit is set.
func (m FeatureMask) Has(bit int) bool {
	return m&(1<<uint(bit)) != 0
}

func (m FeatureMask) String() string {
	return maskToString(featureNames, uint64(m))
}

func maskToString(names map[int]string, mask uint64) string {
	var f []string
	for j := 0; j < 64; j++ {
		if mask&(uint64(1)<<uint(j)) == 0 {
			continue
		}
		nm := names[j]
		if nm == "" {
			nm = strconv.Itoa(j)
		}
		f = append(f, nm)
	}
	return strings.Join(f, ",")
}

// Effective computes the device's effective feature mask per spec §3:
// (negotiated ∩ desired) ∪ extension, where extension bits are
// transport- or device-private semantics never visible to the guest.
func Effective(negotiated, desired, extension FeatureMask) FeatureMask {
	return (negotiated & desired) | extension
}

// Subset reports whether m is contained in the union of allowed and
// extension, the invariant spec §8 requires of device.feature_mask().
func Subset(m, allowed, extension FeatureMask) bool {
	return m&^(allowed|extension) == 0
}
