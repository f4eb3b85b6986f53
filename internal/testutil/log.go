// Copyright 2024 the vhost-devicemodel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import "log"

func init() {
	// For test, the date is irrelevant, but microseconds are: vhost
	// lifecycle ordering bugs show up as reordered log lines within the
	// same millisecond.
	log.SetFlags(log.Lmicroseconds)
}
