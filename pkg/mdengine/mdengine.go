// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the TRDP MD engine: listener table, the six MD message
// types, and the request/reply/confirm session state machine.
package mdengine

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/open-source-firmware/trdp-go/internal/wire"
	"github.com/open-source-firmware/trdp-go/pkg/trdperr"
)

// SessionID is the 16-byte wire identifier for one request/reply/confirm
// exchange. newSessionID mints one from a compact xid, zero-padded to 16
// bytes.
type SessionID [16]byte

func newSessionID() SessionID {
	var id SessionID
	copy(id[:], xid.New().Bytes())
	return id
}

func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

// Stats receives the MD counter updates, split into UDP/TCP sub-blocks;
// *stats.Counters implements it without this package importing pkg/stats
// directly.
type Stats interface {
	AddListener(useTCP bool)
	RemoveListener(useTCP bool)
	MDReceived(useTCP bool)
	MDCRCErr(useTCP bool)
	MDProtoErr(useTCP bool)
	MDTopoErr(useTCP bool)
	MDNoListener(useTCP bool)
	MDReplyTimeout(useTCP bool)
	MDConfirmTimeout(useTCP bool)
	MDSent(useTCP bool)
}

type noopStats struct{}

func (noopStats) AddListener(bool)      {}
func (noopStats) RemoveListener(bool)   {}
func (noopStats) MDReceived(bool)       {}
func (noopStats) MDCRCErr(bool)         {}
func (noopStats) MDProtoErr(bool)       {}
func (noopStats) MDTopoErr(bool)        {}
func (noopStats) MDNoListener(bool)     {}
func (noopStats) MDReplyTimeout(bool)   {}
func (noopStats) MDConfirmTimeout(bool) {}
func (noopStats) MDSent(bool)           {}

// ListenerHandle references a registered listener.
type ListenerHandle uint64

// Listener is a predicate + callback registered via AddListener.
type Listener struct {
	Handle     ListenerHandle
	ComID      uint32
	ETBTopoCnt uint32
	DestIP     string // "" matches any
	DestURI    string // "" matches any
	UserRef    any
	OnRequest  func(req Request)
	OnNotify   func(n Notification)
}

// SessionState is one node of the MD session state machine. Transitions
// are one-way: no state is ever re-entered.
type SessionState int

const (
	StateReqSent SessionState = iota
	StateReqRcvd
	StateReplySent
	StateConfirmAwait
	StateConfirmSendable
	StateDone
	StateReplyTimeout
	StateConfirmTimeout
	StateErr
	StateAppTimeout
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateReqSent:
		return "REQ_SENT"
	case StateReqRcvd:
		return "REQ_RCVD"
	case StateReplySent:
		return "REPLY_SENT"
	case StateConfirmAwait:
		return "CONFIRM_AWAIT"
	case StateConfirmSendable:
		return "CONFIRM_SENDABLE"
	case StateDone:
		return "DONE"
	case StateReplyTimeout:
		return "REPLY_TIMEOUT"
	case StateConfirmTimeout:
		return "CONFIRM_TIMEOUT"
	case StateErr:
		return "ERR"
	case StateAppTimeout:
		return "APP_TIMEOUT"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (s SessionState) Terminal() bool {
	switch s {
	case StateDone, StateReplyTimeout, StateConfirmTimeout, StateErr, StateAppTimeout, StateAborted:
		return true
	default:
		return false
	}
}

// Session is one outstanding request/reply/confirm exchange.
type Session struct {
	ID       SessionID
	ComID    uint32
	PeerIP   string
	SrcURI   [32]byte
	DestURI  [32]byte
	State    SessionState
	UseTCP   bool

	NumReplies    int
	NoOfRepliers  int // 0 = unknown count, wait full timeout
	NumRetries    int
	NumRetriesMax int

	ReplyTimeout    time.Duration
	ReplyDeadline   time.Time
	ConfirmDeadline time.Time

	ListenerHandle ListenerHandle
	UserRef        any
	OnReply        func(Reply)

	lastReqFrame []byte
}

// Request is delivered to a listener's OnRequest callback when a matching
// Mr arrives.
type Request struct {
	SessionID SessionID
	ComID     uint32
	SrcIP     string
	SrcURI    [32]byte
	Data      []byte
	UseTCP    bool
}

// Reply is delivered to the requester's OnReply callback on Mp/Mq/Me, or
// synthesized locally on REPLY_TIMEOUT/CONFIRM_TIMEOUT.
type Reply struct {
	SessionID  SessionID
	NumReplies int
	SrcURI     [32]byte
	Data       []byte
	ResultCode error // nil on success
	State      SessionState
}

// Notification is delivered to a listener's OnNotify callback on Mn.
type Notification struct {
	ComID  uint32
	SrcIP  string
	SrcURI [32]byte
	Data   []byte
}

// Engine owns the listener table and the set of outstanding sessions for
// one session's MD traffic.
type Engine struct {
	mu sync.Mutex

	log   *slog.Logger
	now   func() time.Time
	stats Stats

	listeners    map[ListenerHandle]*Listener
	nextListener ListenerHandle

	sessions map[SessionID]*Session

	// Session-side topocounts, stamped into every outgoing frame and
	// checked against every incoming one. Atomic because Notify writes
	// frames without taking mu.
	etbTopoCnt   atomic.Uint32
	opTrnTopoCnt atomic.Uint32

	// SendFrame ships a built MD frame to dstIP, choosing UDP or TCP per
	// useTCP; pkg/trdp wires this to the socket pool.
	SendFrame func(dstIP string, useTCP bool, frame []byte) error
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithStats(s Stats) Option {
	return func(e *Engine) { e.stats = s }
}

func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		log:       slog.Default(),
		now:       time.Now,
		stats:     noopStats{},
		listeners: make(map[ListenerHandle]*Listener),
		sessions:  make(map[SessionID]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddListener registers a predicate/callback pair; incoming MD frames are
// matched against listeners in insertion order, first match wins.
func (e *Engine) AddListener(l Listener) ListenerHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListener++
	l.Handle = e.nextListener
	e.listeners[l.Handle] = &l
	e.stats.AddListener(false)
	e.stats.AddListener(true)
	return l.Handle
}

func (e *Engine) DelListener(h ListenerHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[h]; !ok {
		return trdperr.New("mdengine.DelListener", trdperr.KindNoListener, nil)
	}
	delete(e.listeners, h)
	e.stats.RemoveListener(false)
	e.stats.RemoveListener(true)
	return nil
}

// orderedListeners returns listeners in ascending handle (insertion) order.
func (e *Engine) orderedListeners() []*Listener {
	out := make([]*Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Handle < out[j-1].Handle; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (e *Engine) matchListener(comID uint32, destIP, destURI string) *Listener {
	for _, l := range e.orderedListeners() {
		if l.ComID != comID {
			continue
		}
		if l.DestIP != "" && l.DestIP != destIP {
			continue
		}
		if l.DestURI != "" && l.DestURI != destURI {
			continue
		}
		return l
	}
	return nil
}

// SetTopoCounts updates the topocount pair stamped into outgoing MD frames
// and validated on reception.
func (e *Engine) SetTopoCounts(etbTopoCnt, opTrnTopoCnt uint32) {
	e.etbTopoCnt.Store(etbTopoCnt)
	e.opTrnTopoCnt.Store(opTrnTopoCnt)
}

// Notify sends a fire-and-forget Mn frame. Per the notification sessionId
// invariant, the 16-byte session field on the wire is always zero.
func (e *Engine) Notify(comID uint32, srcIP, destIP string, srcURI, destURI [32]byte, data []byte, useTCP bool) error {
	h := e.mdHeader(wire.MsgTypeMN, comID, SessionID{}, srcURI, destURI, 0)
	frame, err := wire.BuildMD(h, data)
	if err != nil {
		return trdperr.New("mdengine.Notify", trdperr.KindWireErr, err)
	}
	if e.SendFrame == nil {
		return nil
	}
	if err := e.SendFrame(destIP, useTCP, frame); err != nil {
		return trdperr.New("mdengine.Notify", trdperr.KindSendErr, err)
	}
	e.stats.MDSent(useTCP)
	return nil
}

func (e *Engine) mdHeader(msgType wire.MsgType, comID uint32, sessionID SessionID, srcURI, destURI [32]byte, replyStatus uint32) wire.MDHeader {
	var h wire.MDHeader
	wire.InitHeader(&h.Header, msgType, comID, e.etbTopoCnt.Load(), e.opTrnTopoCnt.Load(), 0, 0)
	h.ReplyStatus = replyStatus
	h.SessionID = sessionID
	h.SourceURI = srcURI
	h.DestURI = destURI
	return h
}

// uriString renders a fixed-width, NUL-padded URI field as a Go string.
func uriString(uri [32]byte) string {
	return string(bytes.TrimRight(uri[:], "\x00"))
}
