// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package socket

import "net"

// Supported reports whether TCP_INFO retrieval is implemented on this
// platform.
func Supported() bool { return false }

func tcpInfo(c net.Conn) (TCPStats, bool) {
	return TCPStats{}, false
}
