// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the TRDP socket pool: OS sockets shared across publications
// and subscriptions that agree on bind address, transport and QoS.
package socket

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// rawSocket is implemented by *net.UDPConn and *net.TCPConn; the platform
// files use it to reach the file descriptor for setsockopt calls.
type rawSocket interface {
	SyscallConn() (syscall.RawConn, error)
}

// Well-known UDP/TCP ports for the two TRDP traffic classes.
const (
	PDPort = 20548
	MDPort = 20550
)

var (
	ErrClosed      = errors.New("socket: pool is closed")
	ErrNotFound    = errors.New("socket: no such open socket")
	ErrStillInUse  = errors.New("socket: release called more times than request")
	ErrUnsupported = errors.New("socket: unsupported transport/key combination")
)

// Transport selects the wire transport for a socket. TRDP uses UDP for PD
// and for most MD traffic, reserving TCP for MD when FLAGS_TCP is set on
// the publication/listener.
type Transport int

const (
	UDP Transport = iota
	TCP
)

func (t Transport) String() string {
	if t == TCP {
		return "TCP"
	}
	return "UDP"
}

// Key identifies a sharable socket. Two callers that Request the same Key
// are handed the same underlying connection; the pool only opens a new one
// when no existing socket matches.
type Key struct {
	Transport Transport
	BindAddr  string // local IP, "" for the wildcard address
	Port      int
	QoS       uint8
	TTL       uint8
	RcvOnly   bool   // true for a receive-only (subscriber/listener) socket
	PeerIP    string // non-empty pins a TCP socket to one remote peer
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s:%d qos=%d ttl=%d rcvOnly=%v peer=%q",
		k.Transport, k.BindAddr, k.Port, k.QoS, k.TTL, k.RcvOnly, k.PeerIP)
}

// entry is a pool-managed socket together with the count of callers
// currently holding it.
type entry struct {
	key   Key
	conn  net.Conn
	pconn net.PacketConn // set instead of conn for UDP sockets
	ln    net.Listener   // set instead of conn for a TCP listening socket
	uses  int

	// lastUse backs the per-connection idle deadline for TCP entries; it
	// advances on every Conn access, and ReapIdleTCP closes entries whose
	// deadline has expired.
	lastUse time.Time
}

// Pool tracks open sockets by Key and shares them across callers that
// Request the same Key, opening a new OS socket only on the first request.
type Pool struct {
	mu     sync.Mutex
	byKey  map[Key]*entry
	closed bool
}

func NewPool() *Pool {
	return &Pool{byKey: make(map[Key]*entry)}
}

// Handle is the caller-facing reference to a pooled socket. Release must be
// called exactly once per successful Request.
type Handle struct {
	pool *Pool
	key  Key
}

// Request returns a Handle for key, opening the underlying socket if this
// is the first caller to ask for it. dialTimeout is only consulted for
// outbound TCP connections (PeerIP set, RcvOnly false).
func (p *Pool) Request(key Key, dialTimeout time.Duration) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	if e, ok := p.byKey[key]; ok {
		e.uses++
		return &Handle{pool: p, key: key}, nil
	}

	e, err := p.open(key, dialTimeout)
	if err != nil {
		return nil, err
	}
	e.uses = 1
	p.byKey[key] = e
	return &Handle{pool: p, key: key}, nil
}

func (p *Pool) open(key Key, dialTimeout time.Duration) (*entry, error) {
	switch key.Transport {
	case UDP:
		addr := net.JoinHostPort(key.BindAddr, fmt.Sprintf("%d", key.Port))
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("socket: resolve %s: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("socket: listen udp %s: %w", addr, err)
		}
		if key.TTL > 0 {
			if err := setMulticastTTL(conn, key.TTL); err != nil {
				conn.Close()
				return nil, fmt.Errorf("socket: set multicast ttl: %w", err)
			}
		}
		if key.QoS > 0 {
			if err := setTOS(conn, key.QoS); err != nil {
				conn.Close()
				return nil, fmt.Errorf("socket: set qos: %w", err)
			}
		}
		return &entry{key: key, pconn: conn}, nil

	case TCP:
		if key.RcvOnly {
			addr := net.JoinHostPort(key.BindAddr, fmt.Sprintf("%d", key.Port))
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("socket: listen tcp %s: %w", addr, err)
			}
			return &entry{key: key, ln: ln}, nil
		}
		if key.PeerIP == "" {
			return nil, ErrUnsupported
		}
		addr := net.JoinHostPort(key.PeerIP, fmt.Sprintf("%d", key.Port))
		d := net.Dialer{Timeout: dialTimeout, LocalAddr: localTCPAddr(key.BindAddr)}
		conn, err := d.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("socket: dial tcp %s: %w", addr, err)
		}
		if key.QoS > 0 {
			if tc, ok := conn.(rawSocket); ok {
				if err := setTOS(tc, key.QoS); err != nil {
					conn.Close()
					return nil, fmt.Errorf("socket: set qos: %w", err)
				}
			}
		}
		return &entry{key: key, conn: conn, lastUse: time.Now()}, nil
	}
	return nil, ErrUnsupported
}

// Adopt registers an already-accepted TCP connection under key and returns
// a Handle for it, as if it had been opened via Request. It is used for the
// receive-only slot a listening socket's Accept loop creates for each new
// peer before that peer's identity (and therefore its final Key) is known;
// the caller re-keys by calling Adopt again once the peer IP is confirmed,
// releasing the provisional Handle.
func (p *Pool) Adopt(key Key, conn net.Conn) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if e, ok := p.byKey[key]; ok {
		e.uses++
		return &Handle{pool: p, key: key}, nil
	}
	p.byKey[key] = &entry{key: key, conn: conn, uses: 1, lastUse: time.Now()}
	return &Handle{pool: p, key: key}, nil
}

func localTCPAddr(bindAddr string) *net.TCPAddr {
	if bindAddr == "" {
		return nil
	}
	return &net.TCPAddr{IP: net.ParseIP(bindAddr)}
}

// PacketConn returns the underlying UDP socket for h, or nil if h is not a
// UDP handle.
func (h *Handle) PacketConn() net.PacketConn {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if e, ok := h.pool.byKey[h.key]; ok {
		return e.pconn
	}
	return nil
}

// Conn returns the underlying outbound TCP connection for h, or nil if h is
// a UDP or listening handle (or the connection was already reaped). Access
// counts as use for the idle deadline.
func (h *Handle) Conn() net.Conn {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if e, ok := h.pool.byKey[h.key]; ok {
		if e.conn != nil {
			e.lastUse = time.Now()
		}
		return e.conn
	}
	return nil
}

// JoinGroup adds h's UDP socket to an IPv4 multicast group, so frames sent
// to that group reach every subscription sharing the socket.
func (h *Handle) JoinGroup(group string) error {
	pc := h.PacketConn()
	udp, ok := pc.(*net.UDPConn)
	if !ok {
		return ErrUnsupported
	}
	return joinGroup(udp, group)
}

// LeaveGroup drops a membership previously added with JoinGroup.
func (h *Handle) LeaveGroup(group string) error {
	pc := h.PacketConn()
	udp, ok := pc.(*net.UDPConn)
	if !ok {
		return ErrUnsupported
	}
	return leaveGroup(udp, group)
}

// Listener returns the underlying TCP listener for h, or nil if h is not a
// listening handle.
func (h *Handle) Listener() net.Listener {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if e, ok := h.pool.byKey[h.key]; ok {
		return e.ln
	}
	return nil
}

// Release decrements the use count for h's socket, closing and removing it
// from the pool once no caller holds it any longer.
func (h *Handle) Release() error {
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byKey[h.key]
	if !ok {
		return ErrNotFound
	}
	e.uses--
	if e.uses > 0 {
		return nil
	}
	if e.uses < 0 {
		return ErrStillInUse
	}
	delete(p.byKey, h.key)
	return closeEntry(e)
}

func closeEntry(e *entry) error {
	switch {
	case e.pconn != nil:
		return e.pconn.Close()
	case e.conn != nil:
		return e.conn.Close()
	case e.ln != nil:
		return e.ln.Close()
	}
	return nil
}

// ReapIdleTCP closes and removes every TCP connection entry that has not
// been used for longer than idle, enforcing the per-connection deadline on
// pooled MD connections. Reaped entries disappear from the pool; a Handle
// still referencing one observes Conn() == nil and must re-Request. The
// number of connections closed is returned.
func (p *Pool) ReapIdleTCP(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	n := 0
	for k, e := range p.byKey {
		if e.conn == nil || e.lastUse.After(cutoff) {
			continue
		}
		e.conn.Close()
		delete(p.byKey, k)
		n++
	}
	return n
}

// Len reports the number of distinct open sockets, for tests and stats.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}

// Close closes every open socket and marks the pool unusable.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var first error
	for k, e := range p.byKey {
		if err := closeEntry(e); err != nil && first == nil {
			first = err
		}
		delete(p.byKey, k)
	}
	return first
}
