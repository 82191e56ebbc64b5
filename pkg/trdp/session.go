// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trdp composes the frame codec, socket pool, PD engine and MD
// engine into one public session object owning all mutable state for one
// TRDP participant.
package trdp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-source-firmware/trdp-go/internal/wire"
	"github.com/open-source-firmware/trdp-go/pkg/mdengine"
	"github.com/open-source-firmware/trdp-go/pkg/pdengine"
	"github.com/open-source-firmware/trdp-go/pkg/socket"
	"github.com/open-source-firmware/trdp-go/pkg/stats"
)

// Session is one TRDP engine instance: PD and MD queues, the shared socket
// pool backing them, and the statistics counters published over PD.
// Internal state is protected either by pdengine/mdengine's own
// per-engine mutex or, for the socket/connection bookkeeping added here,
// by mu.
type Session struct {
	cfg *config
	log *slog.Logger

	pd    *pdengine.Engine
	md    *mdengine.Engine
	pool  *socket.Pool
	stats *stats.Counters

	pdSock     *socket.Handle
	mdUDPSock  *socket.Handle
	mdListener *socket.Handle
	statsPub   pdengine.PubHandle

	etbTopoCnt   atomic.Uint32
	opTrnTopoCnt atomic.Uint32

	mu       sync.Mutex
	tcpConns map[string]*socket.Handle
	mcGroups map[pdengine.SubHandle]string
	closed   bool
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// NewSession opens the PD and MD sockets and starts their receive loops,
// returning a Session ready for Publish/Subscribe/Request calls. Close
// must be called to release the sockets.
func NewSession(opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	counters := stats.New(time.Now())
	pool := socket.NewPool()

	var seqReg pdengine.SeqRegistry
	if cfg.seqs != nil {
		seqReg = cfg.seqs
	}

	s := &Session{
		cfg: cfg,
		log: cfg.log,
		pd: pdengine.New(
			pdengine.WithLogger(cfg.log),
			pdengine.WithCodec(cfg.codec),
			pdengine.WithSeqRegistry(seqReg),
			pdengine.WithStats(counters),
		),
		md: mdengine.New(
			mdengine.WithLogger(cfg.log),
			mdengine.WithStats(counters),
		),
		pool:     pool,
		stats:    counters,
		tcpConns: make(map[string]*socket.Handle),
		mcGroups: make(map[pdengine.SubHandle]string),
		closeCh:  make(chan struct{}),
	}
	s.etbTopoCnt.Store(cfg.etbTopoCnt)
	s.opTrnTopoCnt.Store(cfg.opTrnTopoCnt)
	s.md.SetTopoCounts(cfg.etbTopoCnt, cfg.opTrnTopoCnt)

	var err error
	if s.pdSock, err = pool.Request(socket.Key{Transport: socket.UDP, BindAddr: cfg.hostIP, Port: cfg.pdPort}, 0); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trdp: open pd socket: %w", err)
	}
	if s.mdUDPSock, err = pool.Request(socket.Key{Transport: socket.UDP, BindAddr: cfg.hostIP, Port: cfg.mdPort}, 0); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trdp: open md udp socket: %w", err)
	}
	if s.mdListener, err = pool.Request(socket.Key{Transport: socket.TCP, BindAddr: cfg.hostIP, Port: cfg.mdPort, RcvOnly: true}, 0); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trdp: open md tcp listener: %w", err)
	}

	s.pd.SendFrame = s.pdSend
	s.md.SendFrame = s.mdSend

	s.statsPub, err = s.pd.Publish(pdengine.AddressKey{ComID: stats.GlobalStatisticsComID}, 0, pdengine.FlagNone, 0, 0, 0, nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("trdp: publish statistics telegram: %w", err)
	}
	// Built-in acceptance of statistics PULL requests. Zero timeout means
	// this subscription never raises a timeout toward user code.
	if _, err = s.pd.Subscribe(pdengine.AddressKey{ComID: stats.StatisticsRequestComID}, "", 0, pdengine.KeepLastValue, 0, nil, nil, false, pdengine.FlagNone); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trdp: subscribe statistics request telegram: %w", err)
	}

	s.wg.Add(3)
	go s.pdReadLoop()
	go s.mdUDPReadLoop()
	go s.mdAcceptLoop()

	return s, nil
}

// Run ticks the PD scheduler and MD timeout supervision every interval
// until ctx is done or the Session is closed. Callers that only need
// request/reply without cyclic PD traffic still call Run to drive MD
// retries and reply/confirm timeouts.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	snap := s.stats.Snapshot(time.Now(), 0, 0, s.cfg.hostname, "")
	if b, err := snap.MarshalBinary(); err == nil {
		if err := s.pd.Put(s.statsPub, b); err != nil {
			s.log.Debug("statistics telegram put failed", "err", err)
		}
	}
	s.pd.Process(s.etbTopoCnt.Load(), s.opTrnTopoCnt.Load())
	s.md.Process()
	s.pool.ReapIdleTCP(s.cfg.tcpIdleTimeout)
}

// SetTopoCounts updates the session's own ETB/operational topocount,
// consulted on every send and receive.
func (s *Session) SetTopoCounts(etbTopoCnt, opTrnTopoCnt uint32) {
	s.etbTopoCnt.Store(etbTopoCnt)
	s.opTrnTopoCnt.Store(opTrnTopoCnt)
	s.md.SetTopoCounts(etbTopoCnt, opTrnTopoCnt)
}

// Close releases every socket this Session opened and stops its receive
// loops. In-flight callbacks are guaranteed complete before Close returns
// because Close waits for the receive loops and for every Run loop, which
// deliver all callbacks, to return.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	conns := make([]*socket.Handle, 0, len(s.tcpConns))
	for _, h := range s.tcpConns {
		conns = append(conns, h)
	}
	s.tcpConns = nil
	s.mu.Unlock()

	s.pdSock.Release()
	s.mdUDPSock.Release()
	if ln := s.mdListener.Listener(); ln != nil {
		ln.Close()
	}
	s.mdListener.Release()
	for _, h := range conns {
		if c := h.Conn(); c != nil {
			c.Close()
		}
		h.Release()
	}
	s.wg.Wait()
	return s.pool.Close()
}

// --- PD delegation -------------------------------------------------------

func (s *Session) Publish(key pdengine.AddressKey, cycle time.Duration, flags pdengine.Flags, qos, ttl uint8, redundancyID uint32, data []byte) (pdengine.PubHandle, error) {
	return s.pd.Publish(key, cycle, flags, qos, ttl, redundancyID, data)
}

func (s *Session) Put(h pdengine.PubHandle, data []byte) error {
	return s.pd.Put(h, data)
}

func (s *Session) Unpublish(h pdengine.PubHandle) error {
	return s.pd.Unpublish(h)
}

// Subscribe registers a receive-queue entry. A multicast destination joins
// the group on the shared PD socket; re-subscribing later rejoins it.
func (s *Session) Subscribe(key pdengine.AddressKey, srcIP2 string, timeout time.Duration, behavior pdengine.Behavior, maxSize int, userRef any, cb func(pdengine.Info), alwaysCallback bool, flags pdengine.Flags) (pdengine.SubHandle, error) {
	if key.McGroup == "" {
		if ip := net.ParseIP(key.DstIP); ip != nil && ip.IsMulticast() {
			key.McGroup = key.DstIP
		}
	}
	if key.McGroup != "" {
		if err := s.pdSock.JoinGroup(key.McGroup); err != nil {
			return 0, fmt.Errorf("trdp: join multicast group %s: %w", key.McGroup, err)
		}
	}

	h, err := s.pd.Subscribe(key, srcIP2, timeout, behavior, maxSize, userRef, cb, alwaysCallback, flags)
	if err != nil {
		if key.McGroup != "" {
			s.pdSock.LeaveGroup(key.McGroup)
		}
		return 0, err
	}
	if key.McGroup != "" {
		s.mu.Lock()
		s.mcGroups[h] = key.McGroup
		s.mu.Unlock()
	}
	return h, nil
}

func (s *Session) Unsubscribe(h pdengine.SubHandle) error {
	if err := s.pd.Unsubscribe(h); err != nil {
		return err
	}
	s.mu.Lock()
	group, ok := s.mcGroups[h]
	delete(s.mcGroups, h)
	s.mu.Unlock()
	if ok {
		if err := s.pdSock.LeaveGroup(group); err != nil {
			s.log.Warn("leave multicast group failed", "group", group, "err", err)
		}
	}
	return nil
}

func (s *Session) Get(h pdengine.SubHandle) ([]byte, error) {
	return s.pd.Get(h)
}

func (s *Session) SetRedundant(redID uint32, isLeader bool) {
	s.pd.SetRedundant(redID, isLeader)
}

func (s *Session) Distribute() {
	s.pd.Distribute()
}

// RequestPD arms a PULL reply locally: sub's matching publication (if this
// session also holds one, e.g. a redundant peer pre-arming a reply) is
// scheduled to send on the next Run tick. This is the local half of
// handlePullRequest; it does not put anything on the wire.
func (s *Session) RequestPD(sub pdengine.SubHandle, replyComID uint32, replyIP string) error {
	return s.pd.Request(sub, replyComID, replyIP)
}

// PullRequest transmits a Pr frame to dstIP, asking the publisher there to
// immediately resend its PULL-only publication identified by replyComID;
// the publisher's own Receive dispatches it through
// handlePullRequest without any action needed here beyond framing and
// sending. replyIP, left empty, tells the publisher to answer the frame's
// source IP; comID identifies the request telegram itself, often equal to
// replyComID when no distinct request/reply split is used.
func (s *Session) PullRequest(comID uint32, dstIP string, replyComID uint32, replyIP string) error {
	var replyIPVal uint32
	if replyIP != "" {
		ip4 := net.ParseIP(replyIP).To4()
		if ip4 == nil {
			return fmt.Errorf("trdp: %q is not a valid IPv4 reply address", replyIP)
		}
		replyIPVal = binary.BigEndian.Uint32(ip4)
	}
	var h wire.Header
	wire.InitHeader(&h, wire.MsgTypePR, comID, s.etbTopoCnt.Load(), s.opTrnTopoCnt.Load(), replyComID, replyIPVal)
	frame, err := wire.Build(h, nil)
	if err != nil {
		return fmt.Errorf("trdp: build Pr frame: %w", err)
	}
	return s.pdSend(dstIP, frame)
}

// --- MD delegation ---------------------------------------------------------

func (s *Session) AddListener(l mdengine.Listener) mdengine.ListenerHandle {
	return s.md.AddListener(l)
}

func (s *Session) DelListener(h mdengine.ListenerHandle) error {
	return s.md.DelListener(h)
}

func (s *Session) RequestMD(p mdengine.RequestParams, data []byte) (mdengine.SessionID, error) {
	return s.md.Request(p, data)
}

func (s *Session) Reply(id mdengine.SessionID, data []byte, confirmRequired bool, confirmTimeout time.Duration) error {
	return s.md.Reply(id, data, confirmRequired, confirmTimeout)
}

func (s *Session) ReplyErr(id mdengine.SessionID, cause error) error {
	return s.md.ReplyErr(id, cause)
}

func (s *Session) Confirm(id mdengine.SessionID) error {
	return s.md.Confirm(id)
}

func (s *Session) AbortSession(id mdengine.SessionID) error {
	return s.md.AbortSession(id)
}

func (s *Session) Notify(comID uint32, srcIP, destIP string, srcURI, destURI [32]byte, data []byte, useTCP bool) error {
	return s.md.Notify(comID, srcIP, destIP, srcURI, destURI, data, useTCP)
}

// Stats returns the live counters backing the wire statistics telegram and
// the Prometheus collector built in cmd/trdpstatd.
func (s *Session) Stats() *stats.Counters {
	return s.stats
}

// --- transport wiring --------------------------------------------------

func (s *Session) pdSend(dstIP string, frame []byte) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(dstIP, strconv.Itoa(s.cfg.pdPort)))
	if err != nil {
		return err
	}
	_, err = s.pdSock.PacketConn().WriteTo(frame, addr)
	return err
}

func (s *Session) mdSend(dstIP string, useTCP bool, frame []byte) error {
	if !useTCP {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(dstIP, strconv.Itoa(s.cfg.mdPort)))
		if err != nil {
			return err
		}
		_, err = s.mdUDPSock.PacketConn().WriteTo(frame, addr)
		return err
	}
	conn, err := s.tcpConnFor(dstIP)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// tcpConnFor returns the pooled outbound MD TCP connection for peer,
// dialing and starting its read loop on first use; one connection is
// kept per remote peer IP.
func (s *Session) tcpConnFor(peer string) (net.Conn, error) {
	s.mu.Lock()
	if h, ok := s.tcpConns[peer]; ok {
		if c := h.Conn(); c != nil {
			s.mu.Unlock()
			return c, nil
		}
		// Reaped by the idle deadline; drop the stale handle and redial.
		delete(s.tcpConns, peer)
	}
	s.mu.Unlock()

	key := socket.Key{Transport: socket.TCP, BindAddr: s.cfg.hostIP, Port: s.cfg.mdPort, PeerIP: peer}
	h, err := s.pool.Request(key, s.cfg.dialTimeout)
	if err != nil {
		return nil, err
	}
	conn := h.Conn()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Release()
		return nil, net.ErrClosed
	}
	s.tcpConns[peer] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go s.mdTCPReadLoop(peer, conn, h)
	return conn, nil
}

func (s *Session) pdReadLoop() {
	defer s.wg.Done()
	buf := make([]byte, wire.MaxFrameSize)
	pc := s.pdSock.PacketConn()
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.log.Error("pd read failed", "err", err)
				return
			}
		}
		frame := append([]byte(nil), buf[:n]...)
		if err := s.pd.Receive(frame, hostOf(addr), s.etbTopoCnt.Load(), s.opTrnTopoCnt.Load()); err != nil {
			s.log.Debug("pd receive dropped frame", "err", err)
		}
	}
}

func (s *Session) mdUDPReadLoop() {
	defer s.wg.Done()
	buf := make([]byte, wire.MaxFrameSize)
	pc := s.mdUDPSock.PacketConn()
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.log.Error("md udp read failed", "err", err)
				return
			}
		}
		frame := append([]byte(nil), buf[:n]...)
		if err := s.md.Receive(frame, hostOf(addr), false); err != nil {
			s.log.Debug("md udp receive dropped frame", "err", err)
		}
	}
}

func (s *Session) mdAcceptLoop() {
	defer s.wg.Done()
	ln := s.mdListener.Listener()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.log.Error("md tcp accept failed", "err", err)
				return
			}
		}
		peer := hostOf(conn.RemoteAddr())
		key := socket.Key{Transport: socket.TCP, BindAddr: s.cfg.hostIP, Port: s.cfg.mdPort, RcvOnly: true, PeerIP: peer}
		h, err := s.pool.Adopt(key, conn)
		if err != nil {
			conn.Close()
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			h.Release()
			continue
		}
		s.tcpConns[peer] = h
		s.mu.Unlock()

		s.wg.Add(1)
		go s.mdTCPReadLoop(peer, conn, h)
	}
}

func (s *Session) mdTCPReadLoop(peer string, conn net.Conn, h *socket.Handle) {
	defer s.wg.Done()
	defer h.Release()
	defer func() {
		s.mu.Lock()
		if s.tcpConns != nil && s.tcpConns[peer] == h {
			delete(s.tcpConns, peer)
		}
		s.mu.Unlock()
	}()
	for {
		frame, err := wire.ReadMDFrame(conn)
		if err != nil {
			return
		}
		if err := s.md.Receive(frame, peer, true); err != nil {
			s.log.Debug("md tcp receive dropped frame", "err", err)
		}
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
