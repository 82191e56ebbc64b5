// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package socket

import (
	"net"

	"golang.org/x/sys/unix"
)

// setMulticastTTL sets IP_MULTICAST_TTL on conn's underlying socket, so
// multicast PD telegrams are scoped to ttl hops as the publication asked.
func setMulticastTTL(conn *net.UDPConn, ttl uint8) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, int(ttl))
	}); err != nil {
		return err
	}
	return sockErr
}
