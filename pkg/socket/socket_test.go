// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package socket

import (
	"net"
	"testing"
	"time"
)

func TestPool_RequestSharesSocket(t *testing.T) {
	p := NewPool()
	defer p.Close()

	key := Key{Transport: UDP, BindAddr: "127.0.0.1", Port: 0}
	h1, err := p.Request(key, 0)
	if err != nil {
		t.Fatalf("Request #1: %v", err)
	}
	h2, err := p.Request(key, 0)
	if err != nil {
		t.Fatalf("Request #2: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (shared socket)", p.Len())
	}
	if h1.PacketConn() != h2.PacketConn() {
		t.Fatal("two requests for the same key got different sockets")
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("Release #1: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() after first release = %d, want 1 (still in use)", p.Len())
	}
	if err := h2.Release(); err != nil {
		t.Fatalf("Release #2: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len() after final release = %d, want 0", p.Len())
	}
}

func TestPool_DistinctKeysGetDistinctSockets(t *testing.T) {
	p := NewPool()
	defer p.Close()

	h1, err := p.Request(Key{Transport: UDP, BindAddr: "127.0.0.1", Port: 0}, 0)
	if err != nil {
		t.Fatalf("Request #1: %v", err)
	}
	defer h1.Release()

	h2, err := p.Request(Key{Transport: UDP, BindAddr: "127.0.0.1", Port: 0, QoS: 1}, 0)
	if err != nil {
		t.Fatalf("Request #2: %v", err)
	}
	defer h2.Release()

	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (QoS differs)", p.Len())
	}
}

func TestPool_ReleaseUnknownHandle(t *testing.T) {
	p := NewPool()
	defer p.Close()

	h, err := p.Request(Key{Transport: UDP, BindAddr: "127.0.0.1", Port: 0}, 0)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(); err != ErrNotFound {
		t.Errorf("second Release() = %v, want ErrNotFound", err)
	}
}

func TestPool_ClosedPoolRejectsRequests(t *testing.T) {
	p := NewPool()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Request(Key{Transport: UDP, Port: 0}, 0); err != ErrClosed {
		t.Errorf("Request() on closed pool = %v, want ErrClosed", err)
	}
}

func TestPool_TCPListenerHandle(t *testing.T) {
	p := NewPool()
	defer p.Close()

	h, err := p.Request(Key{Transport: TCP, BindAddr: "127.0.0.1", Port: 0, RcvOnly: true}, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer h.Release()

	if h.Listener() == nil {
		t.Fatal("Listener() = nil, want a listening socket")
	}
	if h.PacketConn() != nil {
		t.Error("PacketConn() should be nil for a TCP listener handle")
	}
}

func TestPool_TCPDialRequiresPeer(t *testing.T) {
	p := NewPool()
	defer p.Close()

	_, err := p.Request(Key{Transport: TCP, Port: 1234}, time.Second)
	if err != ErrUnsupported {
		t.Errorf("Request() without PeerIP = %v, want ErrUnsupported", err)
	}
}

func TestKey_String(t *testing.T) {
	k := Key{Transport: UDP, BindAddr: "10.0.0.1", Port: 20548, QoS: 5, TTL: 64}
	got := k.String()
	if got == "" {
		t.Error("String() returned empty string")
	}
}

func TestPool_ReapIdleTCP(t *testing.T) {
	p := NewPool()
	defer p.Close()

	lnHandle, err := p.Request(Key{Transport: TCP, BindAddr: "127.0.0.1", Port: 0, RcvOnly: true}, 0)
	if err != nil {
		t.Fatalf("Request listener: %v", err)
	}
	defer lnHandle.Release()
	ln := lnHandle.Listener()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
		}
		close(accepted)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	h, err := p.Request(Key{Transport: TCP, Port: port, PeerIP: "127.0.0.1"}, time.Second)
	if err != nil {
		t.Fatalf("Request dial: %v", err)
	}
	<-accepted

	if n := p.ReapIdleTCP(time.Hour); n != 0 {
		t.Fatalf("ReapIdleTCP(1h) closed %d connections, want 0", n)
	}

	time.Sleep(20 * time.Millisecond)
	if n := p.ReapIdleTCP(10 * time.Millisecond); n != 1 {
		t.Fatalf("ReapIdleTCP closed %d connections, want 1", n)
	}
	if h.Conn() != nil {
		t.Error("Conn() still non-nil after its entry was reaped")
	}
}
