// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func mreqFor(group string) (*unix.IPMreq, error) {
	ip := net.ParseIP(group)
	if ip == nil {
		return nil, fmt.Errorf("socket: %q is not an IP address", group)
	}
	ip4 := ip.To4()
	if ip4 == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("socket: %q is not an IPv4 multicast group", group)
	}
	var mreq unix.IPMreq
	copy(mreq.Multiaddr[:], ip4)
	return &mreq, nil
}

func mcastOp(conn *net.UDPConn, group string, op int) error {
	mreq, err := mreqFor(group)
	if err != nil {
		return err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, op, mreq)
	}); err != nil {
		return err
	}
	return sockErr
}

// joinGroup adds conn to the IPv4 multicast group on the default interface.
func joinGroup(conn *net.UDPConn, group string) error {
	return mcastOp(conn, group, unix.IP_ADD_MEMBERSHIP)
}

// leaveGroup drops conn's membership in the IPv4 multicast group.
func leaveGroup(conn *net.UDPConn, group string) error {
	return mcastOp(conn, group, unix.IP_DROP_MEMBERSHIP)
}

// setTOS writes the IP TOS byte derived from a TRDP QoS priority (0..7,
// carried in the precedence bits) onto conn's socket.
func setTOS(conn rawSocket, qos uint8) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, int(qos)<<5)
	}); err != nil {
		return err
	}
	return sockErr
}
