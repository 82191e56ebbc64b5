// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package socket

import "net"

// setMulticastTTL is a no-op on platforms where this package does not
// implement the socket-option plumbing.
func setMulticastTTL(conn *net.UDPConn, ttl uint8) error {
	return nil
}
