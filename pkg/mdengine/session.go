// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mdengine

import (
	"time"

	"github.com/open-source-firmware/trdp-go/internal/wire"
	"github.com/open-source-firmware/trdp-go/pkg/trdperr"
)

// RequestParams bundles the arguments to Request; noOfRepliers == 0 means
// an unknown number of repliers (multicast broadcast-probe style).
type RequestParams struct {
	ComID         uint32
	SrcIP, DstIP  string
	SrcURI        [32]byte
	DestURI       [32]byte
	ReplyTimeout  time.Duration
	NoOfRepliers  int
	NumRetriesMax int
	UseTCP        bool
	UserRef       any
	OnReply       func(Reply)
}

// Request sends an Mr and opens a session in REQ_SENT, to be advanced by
// incoming Mp/Mq/Me frames or by Process on deadline expiry. The session
// is registered before the frame leaves, so a reply arriving on another
// goroutine (or synchronously, on a loopback transport) always finds it.
func (e *Engine) Request(p RequestParams, data []byte) (SessionID, error) {
	id := newSessionID()
	h := e.mdHeader(wire.MsgTypeMR, p.ComID, id, p.SrcURI, p.DestURI, 0)
	h.ReplyTimeout = uint32(p.ReplyTimeout / time.Millisecond)
	frame, err := wire.BuildMD(h, data)
	if err != nil {
		return id, trdperr.New("mdengine.Request", trdperr.KindWireErr, err)
	}

	s := &Session{
		ID:            id,
		ComID:         p.ComID,
		PeerIP:        p.DstIP,
		SrcURI:        p.SrcURI,
		DestURI:       p.DestURI,
		State:         StateReqSent,
		UseTCP:        p.UseTCP,
		NoOfRepliers:  p.NoOfRepliers,
		NumRetriesMax: p.NumRetriesMax,
		UserRef:       p.UserRef,
		OnReply:       p.OnReply,
		ReplyTimeout:  p.ReplyTimeout,
		lastReqFrame:  frame,
	}
	e.mu.Lock()
	if p.ReplyTimeout > 0 {
		s.ReplyDeadline = e.now().Add(p.ReplyTimeout)
	}
	e.sessions[id] = s
	e.mu.Unlock()

	// SendFrame runs without the engine lock: the transport may deliver
	// the reply on this very call stack.
	if e.SendFrame != nil {
		if err := e.SendFrame(p.DstIP, p.UseTCP, frame); err != nil {
			e.mu.Lock()
			delete(e.sessions, id)
			e.mu.Unlock()
			return id, trdperr.New("mdengine.Request", trdperr.KindSendErr, err)
		}
		e.stats.MDSent(p.UseTCP)
	}
	return id, nil
}

// Reply sends Mp (confirmRequired == false) or Mq (true) for a session
// that is currently REQ_RCVD, and advances its state. The transition is
// applied before the frame leaves, so the requester's confirm cannot race
// a session still marked REQ_RCVD.
func (e *Engine) Reply(id SessionID, data []byte, confirmRequired bool, confirmTimeout time.Duration) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return trdperr.New("mdengine.Reply", trdperr.KindNoSession, nil)
	}
	if s.State != StateReqRcvd {
		e.mu.Unlock()
		return trdperr.New("mdengine.Reply", trdperr.KindSession, nil)
	}

	msgType := wire.MsgTypeMP
	if confirmRequired {
		msgType = wire.MsgTypeMQ
	}
	h := e.mdHeader(msgType, s.ComID, id, s.DestURI, s.SrcURI, 0)
	frame, err := wire.BuildMD(h, data)
	if err != nil {
		e.mu.Unlock()
		return trdperr.New("mdengine.Reply", trdperr.KindWireErr, err)
	}

	if confirmRequired {
		s.State = StateConfirmAwait
		if confirmTimeout > 0 {
			s.ConfirmDeadline = e.now().Add(confirmTimeout)
		}
	} else {
		s.State = StateReplySent
		delete(e.sessions, id)
	}
	peer, useTCP := s.PeerIP, s.UseTCP
	e.mu.Unlock()

	if e.SendFrame != nil {
		if err := e.SendFrame(peer, useTCP, frame); err != nil {
			return trdperr.New("mdengine.Reply", trdperr.KindSendErr, err)
		}
		e.stats.MDSent(useTCP)
	}
	return nil
}

// ReplyErr sends Me for a session that is currently REQ_RCVD and advances
// it to REPLY_SENT, like Reply's non-confirm branch. ERR is the
// requester-side terminal state for a received Me, never the responder's.
func (e *Engine) ReplyErr(id SessionID, cause error) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return trdperr.New("mdengine.ReplyErr", trdperr.KindNoSession, nil)
	}
	if s.State != StateReqRcvd {
		e.mu.Unlock()
		return trdperr.New("mdengine.ReplyErr", trdperr.KindSession, nil)
	}
	h := e.mdHeader(wire.MsgTypeME, s.ComID, id, s.DestURI, s.SrcURI, 1)
	frame, err := wire.BuildMD(h, nil)
	if err != nil {
		e.mu.Unlock()
		return trdperr.New("mdengine.ReplyErr", trdperr.KindWireErr, err)
	}
	_ = cause
	s.State = StateReplySent
	delete(e.sessions, id)
	peer, useTCP := s.PeerIP, s.UseTCP
	e.mu.Unlock()

	if e.SendFrame != nil {
		_ = e.SendFrame(peer, useTCP, frame)
		e.stats.MDSent(useTCP)
	}
	return nil
}

// Confirm sends Mc for a session in CONFIRM_SENDABLE and completes it.
func (e *Engine) Confirm(id SessionID) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return trdperr.New("mdengine.Confirm", trdperr.KindNoSession, nil)
	}
	if s.State != StateConfirmSendable {
		e.mu.Unlock()
		return trdperr.New("mdengine.Confirm", trdperr.KindSession, nil)
	}
	h := e.mdHeader(wire.MsgTypeMC, s.ComID, id, s.SrcURI, s.DestURI, 0)
	frame, err := wire.BuildMD(h, nil)
	if err != nil {
		e.mu.Unlock()
		return trdperr.New("mdengine.Confirm", trdperr.KindWireErr, err)
	}
	s.State = StateDone
	delete(e.sessions, id)
	peer, useTCP := s.PeerIP, s.UseTCP
	e.mu.Unlock()

	if e.SendFrame != nil {
		if err := e.SendFrame(peer, useTCP, frame); err != nil {
			return trdperr.New("mdengine.Confirm", trdperr.KindSendErr, err)
		}
		e.stats.MDSent(useTCP)
	}
	return nil
}

// AbortSession terminates a session immediately, suppressing any pending
// callback for it.
func (e *Engine) AbortSession(id SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return trdperr.New("mdengine.AbortSession", trdperr.KindNoSession, nil)
	}
	s.State = StateAborted
	delete(e.sessions, id)
	return nil
}

// Process scans every outstanding session for expired deadlines: a request
// whose reply deadline elapses with no reply at all is retried (while
// budget remains) or terminated with REPLY_TIMEOUT; an unknown-replier-
// count request that did collect replies completes with DONE once its full
// timeout has run; confirm timeouts terminate CONFIRM_AWAIT with
// CONFIRM_TIMEOUT, and a listener that never answered a received request
// moves it to APP_TIMEOUT. State transitions happen under the lock; the
// resulting sends and callbacks run after it is released.
func (e *Engine) Process() {
	var after []func()

	e.mu.Lock()
	now := e.now()
	for id, s := range e.sessions {
		id, s := id, s
		switch s.State {
		case StateReqSent:
			if s.ReplyDeadline.IsZero() || s.ReplyDeadline.After(now) {
				continue
			}
			if s.NumReplies == 0 && s.NumRetries < s.NumRetriesMax {
				s.NumRetries++
				s.ReplyDeadline = now.Add(s.ReplyTimeout)
				frame := s.lastReqFrame
				peer, useTCP := s.PeerIP, s.UseTCP
				after = append(after, func() {
					if e.SendFrame != nil {
						_ = e.SendFrame(peer, useTCP, frame)
						e.stats.MDSent(useTCP)
					}
				})
				continue
			}
			if s.NoOfRepliers == 0 && s.NumReplies > 0 {
				// Broadcast-probe style request: every reply already went to
				// the callback, the full timeout has run, so the session
				// completes rather than times out.
				s.State = StateDone
				delete(e.sessions, id)
				if cb := s.OnReply; cb != nil {
					n := s.NumReplies
					after = append(after, func() {
						cb(Reply{SessionID: id, NumReplies: n, State: StateDone})
					})
				}
				continue
			}
			s.State = StateReplyTimeout
			delete(e.sessions, id)
			e.stats.MDReplyTimeout(s.UseTCP)
			if cb := s.OnReply; cb != nil {
				n := s.NumReplies
				after = append(after, func() {
					cb(Reply{SessionID: id, NumReplies: n, ResultCode: trdperr.ErrReplyTimeout, State: StateReplyTimeout})
				})
			}

		case StateReqRcvd:
			if s.ReplyDeadline.IsZero() || s.ReplyDeadline.After(now) {
				continue
			}
			s.State = StateAppTimeout
			delete(e.sessions, id)
			e.log.Warn("listener did not answer request before the reply deadline",
				"comID", s.ComID, "peer", s.PeerIP)

		case StateConfirmAwait:
			if s.ConfirmDeadline.IsZero() || s.ConfirmDeadline.After(now) {
				continue
			}
			s.State = StateConfirmTimeout
			delete(e.sessions, id)
			e.stats.MDConfirmTimeout(s.UseTCP)
			if cb := s.OnReply; cb != nil {
				n := s.NumReplies
				after = append(after, func() {
					cb(Reply{SessionID: id, NumReplies: n, ResultCode: trdperr.ErrConfirmTimeout, State: StateConfirmTimeout})
				})
			}
		}
	}
	e.mu.Unlock()

	for _, f := range after {
		f()
	}
}
