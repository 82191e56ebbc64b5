// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TRDP statistics counters, the built-in PULL-served stats
// telegram, and a Prometheus collector over the same counters.
package stats

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"
)

// ComIDs for the statistics request/response built-in publication.
const (
	GlobalStatisticsComID  uint32 = 31
	StatisticsRequestComID uint32 = 32
)

// PD holds the PD-side counters named in the wire statistics telegram.
type PD struct {
	NumSub     uint32
	NumPub     uint32
	NumRcv     uint32
	NumCRCErr  uint32
	NumProtErr uint32
	NumTopoErr uint32
	NumNoSub   uint32
	NumNoPub   uint32
	NumTimeout uint32
	NumSend    uint32
}

// MD holds the MD-side counters, duplicated for UDP and TCP.
type MD struct {
	NumListeners    uint32
	NumRcv          uint32
	NumCRCErr       uint32
	NumProtErr      uint32
	NumTopoErr      uint32
	NumNoListener   uint32
	NumReplyTimeout uint32
	NumConfirmTO    uint32
	NumSend         uint32
}

// Memory mirrors the slab allocator's high-water-mark bookkeeping.
type Memory struct {
	Total    uint32
	Free     uint32
	MinFree  uint32
	AllocErr uint32
	FreeErr  uint32
}

// Snapshot is the full fixed schema transmitted as the
// TRDP_GLOBAL_STATISTICS_COMID telegram, all fields big-endian on the
// wire.
type Snapshot struct {
	Version      uint32
	Timestamp    uint32
	Uptime       uint32
	StatInterval uint32
	OwnIP        uint32
	LeaderIP     uint32
	HostName     [16]byte
	LeaderName   [16]byte
	Mem          Memory
	PD           PD
	MDUDP        MD
	MDTCP        MD
}

// Counters is the live, mutex-protected counter set an Engine updates as
// frames are sent, received, or dropped. Every update and read takes the
// Counters' own mutex; reads through Snapshot may lag in-flight traffic by
// one tick.
type Counters struct {
	mu        sync.Mutex
	startedAt time.Time

	pd    PD
	mdUDP MD
	mdTCP MD
	mem   Memory
}

func New(now time.Time) *Counters {
	return &Counters{startedAt: now}
}

func (c *Counters) AddSub()      { c.mu.Lock(); c.pd.NumSub++; c.mu.Unlock() }
func (c *Counters) RemoveSub()   { c.mu.Lock(); c.pd.NumSub--; c.mu.Unlock() }
func (c *Counters) AddPub()      { c.mu.Lock(); c.pd.NumPub++; c.mu.Unlock() }
func (c *Counters) RemovePub()   { c.mu.Lock(); c.pd.NumPub--; c.mu.Unlock() }
func (c *Counters) PDReceived()  { c.mu.Lock(); c.pd.NumRcv++; c.mu.Unlock() }
func (c *Counters) PDCRCErr()    { c.mu.Lock(); c.pd.NumCRCErr++; c.mu.Unlock() }
func (c *Counters) PDProtoErr()  { c.mu.Lock(); c.pd.NumProtErr++; c.mu.Unlock() }
func (c *Counters) PDTopoErr()   { c.mu.Lock(); c.pd.NumTopoErr++; c.mu.Unlock() }
func (c *Counters) PDNoSub()     { c.mu.Lock(); c.pd.NumNoSub++; c.mu.Unlock() }
func (c *Counters) PDNoPub()     { c.mu.Lock(); c.pd.NumNoPub++; c.mu.Unlock() }
func (c *Counters) PDTimeout()   { c.mu.Lock(); c.pd.NumTimeout++; c.mu.Unlock() }

// PDSent increments the send counter for a publication unless it is a
// redundant follower, preserving the invariant that a follower's send
// counter never advances while isLeader == false.
func (c *Counters) PDSent(isLeader bool) {
	if !isLeader {
		return
	}
	c.mu.Lock()
	c.pd.NumSend++
	c.mu.Unlock()
}

func (c *Counters) md(useTCP bool) *MD {
	if useTCP {
		return &c.mdTCP
	}
	return &c.mdUDP
}

func (c *Counters) MDReceived(useTCP bool)    { c.mu.Lock(); c.md(useTCP).NumRcv++; c.mu.Unlock() }
func (c *Counters) MDCRCErr(useTCP bool)      { c.mu.Lock(); c.md(useTCP).NumCRCErr++; c.mu.Unlock() }
func (c *Counters) MDProtoErr(useTCP bool)    { c.mu.Lock(); c.md(useTCP).NumProtErr++; c.mu.Unlock() }
func (c *Counters) MDTopoErr(useTCP bool)     { c.mu.Lock(); c.md(useTCP).NumTopoErr++; c.mu.Unlock() }
func (c *Counters) MDNoListener(useTCP bool)  { c.mu.Lock(); c.md(useTCP).NumNoListener++; c.mu.Unlock() }
func (c *Counters) MDReplyTimeout(useTCP bool) {
	c.mu.Lock()
	c.md(useTCP).NumReplyTimeout++
	c.mu.Unlock()
}
func (c *Counters) MDConfirmTimeout(useTCP bool) {
	c.mu.Lock()
	c.md(useTCP).NumConfirmTO++
	c.mu.Unlock()
}
func (c *Counters) MDSent(useTCP bool) { c.mu.Lock(); c.md(useTCP).NumSend++; c.mu.Unlock() }

func (c *Counters) AddListener(useTCP bool) {
	c.mu.Lock()
	c.md(useTCP).NumListeners++
	c.mu.Unlock()
}

func (c *Counters) RemoveListener(useTCP bool) {
	c.mu.Lock()
	c.md(useTCP).NumListeners--
	c.mu.Unlock()
}

// Reset zeroes the PD and MD counter blocks; the memory block is left as
// it is.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pd = PD{}
	c.mdUDP = MD{}
	c.mdTCP = MD{}
}

// Snapshot builds the wire telegram payload, stamping Timestamp/Uptime
// against now and ownIP/leaderIP/hostName/leaderName supplied by the
// caller (session-level identity, not tracked here).
func (c *Counters) Snapshot(now time.Time, ownIP, leaderIP uint32, hostName, leaderName string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Snapshot
	s.Version = 1
	s.Timestamp = uint32(now.Unix())
	s.Uptime = uint32(now.Sub(c.startedAt) / time.Second)
	s.OwnIP = ownIP
	s.LeaderIP = leaderIP
	copy(s.HostName[:], hostName)
	copy(s.LeaderName[:], leaderName)
	s.Mem = c.mem
	s.PD = c.pd
	s.MDUDP = c.mdUDP
	s.MDTCP = c.mdTCP
	return s
}

// MarshalBinary renders a Snapshot in the big-endian wire layout of the
// global statistics telegram.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	fields := []any{
		s.Version, s.Timestamp, s.Uptime, s.StatInterval, s.OwnIP, s.LeaderIP,
		s.HostName, s.LeaderName,
		s.Mem.Total, s.Mem.Free, s.Mem.MinFree, s.Mem.AllocErr, s.Mem.FreeErr,
		s.PD.NumSub, s.PD.NumPub, s.PD.NumRcv, s.PD.NumCRCErr, s.PD.NumProtErr,
		s.PD.NumTopoErr, s.PD.NumNoSub, s.PD.NumNoPub, s.PD.NumTimeout, s.PD.NumSend,
		s.MDUDP.NumListeners, s.MDUDP.NumRcv, s.MDUDP.NumCRCErr, s.MDUDP.NumProtErr,
		s.MDUDP.NumTopoErr, s.MDUDP.NumNoListener, s.MDUDP.NumReplyTimeout, s.MDUDP.NumConfirmTO, s.MDUDP.NumSend,
		s.MDTCP.NumListeners, s.MDTCP.NumRcv, s.MDTCP.NumCRCErr, s.MDTCP.NumProtErr,
		s.MDTCP.NumTopoErr, s.MDTCP.NumNoListener, s.MDTCP.NumReplyTimeout, s.MDTCP.NumConfirmTO, s.MDTCP.NumSend,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
