// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the TRDP PD engine: publish/subscribe queues, the cyclic send
// scheduler, reception dispatch, timeout supervision and PULL.
package pdengine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/open-source-firmware/trdp-go/internal/wire"
	"github.com/open-source-firmware/trdp-go/pkg/marshal"
	"github.com/open-source-firmware/trdp-go/pkg/trdperr"
)

// Behavior selects what Get returns once a subscription has timed out.
type Behavior int

const (
	// SetToZero zeroes the stored payload once a subscription times out.
	SetToZero Behavior = iota
	// KeepLastValue leaves the last received payload in place.
	KeepLastValue
)

// AddressKey is the match key used for both send-queue and receive-queue
// lookups: (comId, srcIp, destIp, etbTopoCnt, opTrnTopoCnt, mcGroup).
type AddressKey struct {
	ComID        uint32
	SrcIP        string
	DstIP        string
	ETBTopoCnt   uint32
	OpTrnTopoCnt uint32
	McGroup      string
}

// Flags carries the per-element behavior bits.
type Flags uint8

const (
	FlagNone      Flags = 0
	FlagMarshall  Flags = 1 << iota // element's payload passes through a Codec
	FlagRedundant                   // element belongs to a redundancy group and may be a follower
)

// PubHandle and SubHandle are stable references returned to callers; a
// map of handle -> *Publication/*Subscription backs them, so a handle
// never dangles when other elements come and go.
type PubHandle uint64
type SubHandle uint64

// SeqRegistry lets a Publish call consult every other session in the
// process for the highest sequence counter already emitted for
// (comID, srcIP), so redundant senders agree on a coherent sequence.
// pkg/trdp's Registry implements this.
type SeqRegistry interface {
	HighestSeq(comID uint32, srcIP string) (uint32, bool)
}

// SeqRecorder is an optional extension of SeqRegistry: when the registry
// passed to WithSeqRegistry also implements this, every send reports its
// outgoing sequence counter back, so the registry's view stays current
// even for a publication that never needed to consult HighestSeq at
// Publish time. pkg/trdp.Registry implements both.
type SeqRecorder interface {
	Record(comID uint32, srcIP string, seq uint32)
}

// Stats receives the PD counter updates;
// *stats.Counters implements it without this package importing pkg/stats
// directly, the same accept-an-interface shape as SeqRegistry.
type Stats interface {
	AddSub()
	RemoveSub()
	AddPub()
	RemovePub()
	PDReceived()
	PDCRCErr()
	PDProtoErr()
	PDTopoErr()
	PDNoSub()
	PDNoPub()
	PDTimeout()
	PDSent(isLeader bool)
}

type noopStats struct{}

func (noopStats) AddSub()          {}
func (noopStats) RemoveSub()       {}
func (noopStats) AddPub()          {}
func (noopStats) RemovePub()       {}
func (noopStats) PDReceived()      {}
func (noopStats) PDCRCErr()        {}
func (noopStats) PDProtoErr()      {}
func (noopStats) PDTopoErr()       {}
func (noopStats) PDNoSub()         {}
func (noopStats) PDNoPub()         {}
func (noopStats) PDTimeout()       {}
func (noopStats) PDSent(bool)      {}

// Publication is one send-queue entry.
type Publication struct {
	Handle       PubHandle
	Key          AddressKey
	Flags        Flags
	SendParamQoS uint8
	SendParamTTL uint8
	RedundancyID uint32
	IsLeader     bool

	CycleInterval time.Duration // 0 => PULL-only, never cyclically sent
	TimeToGo      time.Time

	Seq     uint32 // main sequence counter
	PullSeq uint32 // separate PULL-reply sequence counter

	PayloadSize int
	payload     []byte // last Put payload, pre-marshal

	InvalidData bool
	MustSend    bool // REQ_2B_SENT
	TimedOut    bool

	PullSourceIP string
	UserRef      any

	sendCount uint64
}

// Subscription is one receive-queue entry.
type Subscription struct {
	Handle         SubHandle
	Key            AddressKey
	SrcIP2         string // second acceptable source, "" if unused
	Flags          Flags
	Timeout        time.Duration
	Behavior       Behavior
	MaxSize        int
	UserRef        any
	Callback       func(Info)
	AlwaysCallback bool // deliver every accepted frame, not only changed payloads

	TimeToGo     time.Time
	LastSeq      uint32
	sawFirst     bool
	LastSourceIP string

	stored    []byte
	DataValid bool
	TimedOut  bool

	RxCount     uint64
	MissedCount uint64
	LastErr     error

	McJoined bool
}

// Info is delivered to a subscription callback on reception or timeout.
type Info struct {
	Key    AddressKey
	Seq    uint32
	Result error // nil on success, e.g. trdperr.ErrTimeout on supervision
	Data   []byte
}

// Engine owns every publication and subscription for one session's PD
// traffic, plus the cyclic scheduler and reception dispatch.
type Engine struct {
	mu sync.Mutex

	log   *slog.Logger
	codec marshal.Codec
	seqs  SeqRegistry
	stats Stats
	now   func() time.Time

	pubsByKey map[AddressKey]*Publication
	pubs      map[PubHandle]*Publication
	nextPub   PubHandle

	subsByKey map[AddressKey]*Subscription
	subs      map[SubHandle]*Subscription
	nextSub   SubHandle

	// SendFrame is invoked by Process/Request with the built wire bytes and
	// destination IP for a due publication; pkg/trdp wires this to the
	// socket pool.
	SendFrame func(dstIP string, frame []byte) error
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithCodec(c marshal.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

func WithSeqRegistry(r SeqRegistry) Option {
	return func(e *Engine) { e.seqs = r }
}

func WithStats(s Stats) Option {
	return func(e *Engine) { e.stats = s }
}

// withClock overrides the time source; used by tests to drive the
// scheduler and timeout supervision deterministically.
func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		log:       slog.Default(),
		codec:     marshal.RawCodec{},
		stats:     noopStats{},
		now:       time.Now,
		pubsByKey: make(map[AddressKey]*Publication),
		pubs:      make(map[PubHandle]*Publication),
		subsByKey: make(map[AddressKey]*Subscription),
		subs:      make(map[SubHandle]*Subscription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publish inserts a new send-queue entry. cycle == 0 creates a PULL-only
// publication. At most one publication may exist per tuple; republishing
// the same AddressKey fails with ErrNoPub.
func (e *Engine) Publish(key AddressKey, cycle time.Duration, flags Flags, qos, ttl uint8, redundancyID uint32, data []byte) (PubHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pubsByKey[key]; ok {
		return 0, trdperr.New("pdengine.Publish", trdperr.KindNoPub, nil)
	}

	seq := e.initialSeq(key.ComID, key.SrcIP)

	e.nextPub++
	p := &Publication{
		Handle:        e.nextPub,
		Key:           key,
		Flags:         flags,
		SendParamQoS:  qos,
		SendParamTTL:  ttl,
		RedundancyID:  redundancyID,
		IsLeader:      true,
		CycleInterval: cycle,
		Seq:           seq,
		PayloadSize:   len(data),
		payload:       append([]byte(nil), data...),
	}
	if cycle > 0 {
		p.TimeToGo = e.now().Add(cycle)
	}
	e.pubsByKey[key] = p
	e.pubs[p.Handle] = p
	e.stats.AddPub()
	return p.Handle, nil
}

// initialSeq consults the cross-session registry for the highest sequence
// counter already emitted for (comID, srcIP) and reuses it minus one, so
// that the first Put/send after Publish produces a coherent next value
// across redundant senders in the same process.
func (e *Engine) initialSeq(comID uint32, srcIP string) uint32 {
	if e.seqs == nil {
		return 0
	}
	if hi, ok := e.seqs.HighestSeq(comID, srcIP); ok {
		return hi - 1
	}
	return 0
}

// Put updates a publication's payload, running it through the configured
// Codec when FlagMarshall is set. A zero-size payload is accepted.
func (e *Engine) Put(h PubHandle, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pubs[h]
	if !ok {
		return trdperr.New("pdengine.Put", trdperr.KindNoPub, nil)
	}

	out := data
	if p.Flags&FlagMarshall != 0 {
		var err error
		out, err = e.codec.Marshall(p.Key.ComID, p.Key.SrcIP, p.Key.DstIP, data)
		if err != nil {
			return trdperr.New("pdengine.Put", trdperr.KindWireErr, err)
		}
	}
	p.payload = append(p.payload[:0], out...)
	p.PayloadSize = len(out)
	p.InvalidData = false
	p.sendCount++
	return nil
}

// Unpublish removes and frees a publication.
func (e *Engine) Unpublish(h PubHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pubs[h]
	if !ok {
		return trdperr.New("pdengine.Unpublish", trdperr.KindNoPub, nil)
	}
	delete(e.pubs, h)
	delete(e.pubsByKey, p.Key)
	e.stats.RemovePub()
	return nil
}

// Subscribe inserts a new receive-queue entry. srcIP2 may be empty; an
// empty srcIP on the key means wildcard.
func (e *Engine) Subscribe(key AddressKey, srcIP2 string, timeout time.Duration, behavior Behavior, maxSize int, userRef any, cb func(Info), alwaysCallback bool, flags Flags) (SubHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subsByKey[key]; ok {
		return 0, trdperr.New("pdengine.Subscribe", trdperr.KindNoSub, nil)
	}

	e.nextSub++
	s := &Subscription{
		Handle:         e.nextSub,
		Key:            key,
		SrcIP2:         srcIP2,
		Flags:          flags,
		Timeout:        timeout,
		Behavior:       behavior,
		MaxSize:        maxSize,
		UserRef:        userRef,
		Callback:       cb,
		AlwaysCallback: alwaysCallback,
	}
	if key.McGroup != "" {
		s.McJoined = true
	}
	if timeout > 0 {
		s.TimeToGo = e.now().Add(timeout)
	}
	e.subsByKey[key] = s
	e.subs[s.Handle] = s
	e.stats.AddSub()
	return s.Handle, nil
}

// Unsubscribe removes and frees a subscription. The engine only keeps the
// McJoined flag; joining and leaving the multicast group on the socket is
// done by the caller that owns it (pkg/trdp's Session).
func (e *Engine) Unsubscribe(h SubHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.subs[h]
	if !ok {
		return trdperr.New("pdengine.Unsubscribe", trdperr.KindNoSub, nil)
	}
	delete(e.subs, h)
	delete(e.subsByKey, s.Key)
	e.stats.RemoveSub()
	return nil
}

// Get returns the latest received data for a subscription.
func (e *Engine) Get(h SubHandle) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.subs[h]
	if !ok {
		return nil, trdperr.New("pdengine.Get", trdperr.KindNoSub, nil)
	}
	if !s.DataValid && !s.TimedOut {
		return nil, trdperr.New("pdengine.Get", trdperr.KindNoData, nil)
	}
	if s.TimedOut {
		return nil, trdperr.New("pdengine.Get", trdperr.KindTimeout, nil)
	}
	out := make([]byte, len(s.stored))
	copy(out, s.stored)
	return out, nil
}

// SetRedundant marks every publication tagged with redID (or all
// publications if redID == 0) as leader or follower. Followers keep
// running their timers but suppress transmission, per the per-element
// REDUNDANT bit model (not the historical session-wide beQuiet shortcut).
func (e *Engine) SetRedundant(redID uint32, isLeader bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.pubs {
		if redID == 0 || p.RedundancyID == redID {
			p.IsLeader = isLeader
		}
	}
}

func buildFrame(p *Publication, seq uint32, msgType wire.MsgType, etbTopoCnt, opTrnTopoCnt uint32) ([]byte, error) {
	var h wire.Header
	wire.InitHeader(&h, msgType, p.Key.ComID, etbTopoCnt, opTrnTopoCnt, 0, 0)
	h.SequenceCounter = seq
	return wire.Build(h, p.payload)
}
