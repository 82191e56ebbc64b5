// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package socket

import "time"

// TCPStats is the subset of kernel TCP_INFO this package surfaces for a
// pooled TCP connection. Fields are zero when the platform does not
// support TCP_INFO (see Supported).
type TCPStats struct {
	State        string
	RTT          time.Duration
	RTTVar       time.Duration
	Retransmits  uint32
	BytesSent    uint64
	BytesRecv    uint64
}

// Stats reports the current TCP_INFO snapshot for h's connection. It
// returns ok=false if h is not a TCP connection handle or the platform
// does not implement TCP_INFO retrieval.
func (h *Handle) Stats() (stats TCPStats, ok bool) {
	c := h.Conn()
	if c == nil {
		return TCPStats{}, false
	}
	return tcpInfo(c)
}
