// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package socket

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Supported reports whether TCP_INFO retrieval is implemented on this
// platform.
func Supported() bool { return true }

func tcpInfo(c net.Conn) (TCPStats, bool) {
	sc, ok := c.(rawSocket)
	if !ok {
		return TCPStats{}, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return TCPStats{}, false
	}

	var info *unix.TCPInfo
	var getErr error
	if err := raw.Control(func(fd uintptr) {
		info, getErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return TCPStats{}, false
	}
	if getErr != nil || info == nil {
		return TCPStats{}, false
	}

	return TCPStats{
		State:       tcpStateName(info.State),
		RTT:         time.Duration(info.Rtt) * time.Microsecond,
		RTTVar:      time.Duration(info.Rttvar) * time.Microsecond,
		Retransmits: uint32(info.Total_retrans),
		BytesSent:   info.Bytes_sent,
		BytesRecv:   info.Bytes_received,
	}, true
}

// Linux TCP connection states, from net/tcp_states.h. golang.org/x/sys/unix
// does not export these as a tcp_info-compatible enum, so they're
// reproduced here.
const (
	tcpEstablished uint8 = iota + 1
	tcpSynSent
	tcpSynRecv
	tcpFinWait1
	tcpFinWait2
	tcpTimeWait
	tcpClose
	tcpCloseWait
	tcpLastAck
	tcpListen
	tcpClosing
)

// tcpStateName maps the Linux TCP state enum to its conventional name.
func tcpStateName(state uint8) string {
	switch state {
	case tcpEstablished:
		return "ESTABLISHED"
	case tcpSynSent:
		return "SYN_SENT"
	case tcpSynRecv:
		return "SYN_RECV"
	case tcpFinWait1:
		return "FIN_WAIT1"
	case tcpFinWait2:
		return "FIN_WAIT2"
	case tcpTimeWait:
		return "TIME_WAIT"
	case tcpClose:
		return "CLOSE"
	case tcpCloseWait:
		return "CLOSE_WAIT"
	case tcpLastAck:
		return "LAST_ACK"
	case tcpListen:
		return "LISTEN"
	case tcpClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}
