// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package socket

import "net"

// joinGroup is a no-op on platforms where this package does not implement
// the socket-option plumbing.
func joinGroup(conn *net.UDPConn, group string) error {
	return nil
}

// leaveGroup is a no-op on platforms where this package does not implement
// the socket-option plumbing.
func leaveGroup(conn *net.UDPConn, group string) error {
	return nil
}

// setTOS is a no-op on platforms where this package does not implement the
// socket-option plumbing.
func setTOS(conn rawSocket, qos uint8) error {
	return nil
}
