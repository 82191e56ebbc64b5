// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdengine

import (
	"sort"
	"time"

	"github.com/open-source-firmware/trdp-go/internal/wire"
	"github.com/open-source-firmware/trdp-go/pkg/trdperr"
)

// Process walks the send queue and the receive queue once: due
// publications are sent (unless a redundant follower), REQ_2B_SENT
// elements fire immediately, and timed-out subscriptions raise their flag
// and notify. etbTopoCnt/opTrnTopoCnt are the session's own topocount,
// compared against each frame before it goes out; a mismatch only raises
// a local warning, it never blocks the send.
func (e *Engine) Process(etbTopoCnt, opTrnTopoCnt uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, p := range e.pubs {
		e.processPublication(p, now, etbTopoCnt, opTrnTopoCnt)
	}
	for _, s := range e.subs {
		e.processTimeout(s, now)
	}
}

func (e *Engine) processPublication(p *Publication, now time.Time, etbTopoCnt, opTrnTopoCnt uint32) {
	switch {
	case p.MustSend:
		e.send(p, wire.MsgTypePP, etbTopoCnt, opTrnTopoCnt, p.PullSourceIP)
		p.MustSend = false
		return

	case p.CycleInterval > 0 && !p.TimeToGo.After(now):
		// Catch up by exactly one interval even if more than one period
		// has elapsed; never queue multiple sends for a single tick.
		p.TimeToGo = p.TimeToGo.Add(p.CycleInterval)
		if p.TimeToGo.Before(now) {
			p.TimeToGo = now.Add(p.CycleInterval)
		}
		if p.IsLeader {
			e.send(p, wire.MsgTypePD, etbTopoCnt, opTrnTopoCnt, p.Key.DstIP)
		}
	}
}

func (e *Engine) send(p *Publication, msgType wire.MsgType, etbTopoCnt, opTrnTopoCnt uint32, dstIP string) {
	if p.Key.ETBTopoCnt != 0 && p.Key.ETBTopoCnt != etbTopoCnt {
		e.log.Warn("topocount mismatch on send", "comID", p.Key.ComID, "etb", etbTopoCnt)
	}
	if p.Key.OpTrnTopoCnt != 0 && p.Key.OpTrnTopoCnt != opTrnTopoCnt {
		e.log.Warn("topocount mismatch on send", "comID", p.Key.ComID, "op", opTrnTopoCnt)
	}

	var seq uint32
	if msgType == wire.MsgTypePP {
		p.PullSeq++
		seq = p.PullSeq
	} else {
		p.Seq++
		seq = p.Seq
	}

	frame, err := buildFrame(p, seq, msgType, p.Key.ETBTopoCnt, p.Key.OpTrnTopoCnt)
	if err != nil {
		e.log.Error("build frame failed", "comID", p.Key.ComID, "err", err)
		return
	}
	if e.SendFrame == nil {
		return
	}
	if err := e.SendFrame(dstIP, frame); err != nil {
		e.log.Error("send failed", "comID", p.Key.ComID, "err", err)
		return
	}
	p.sendCount++
	e.stats.PDSent(p.IsLeader)
	if rec, ok := e.seqs.(SeqRecorder); ok {
		rec.Record(p.Key.ComID, p.Key.SrcIP, seq)
	}
}

func (e *Engine) processTimeout(s *Subscription, now time.Time) {
	if s.Timeout == 0 || s.TimedOut || s.TimeToGo.IsZero() {
		return
	}
	if s.TimeToGo.After(now) {
		return
	}
	s.TimedOut = true
	if s.Behavior == SetToZero {
		s.stored = nil
	}
	s.LastErr = trdperr.ErrTimeout
	e.stats.PDTimeout()
	if s.Callback != nil {
		s.Callback(Info{Key: s.Key, Seq: s.LastSeq, Result: trdperr.ErrTimeout})
	}
}

// Distribute staggers the TimeToGo of every cyclic (non-PULL-only)
// publication so that simultaneous cycles do not all fire on the same
// tick: the smallest interval I_min is divided by the number of cyclic
// publications to obtain a slot δ, and publication k is assigned
// T0 + k·δ, provided 2·k·δ ≤ its own interval (otherwise it is left
// unchanged so staggering never causes its own timeout).
func (e *Engine) Distribute() {
	e.mu.Lock()
	defer e.mu.Unlock()

	var cyclic []*Publication
	for _, p := range e.pubs {
		if p.CycleInterval > 0 {
			cyclic = append(cyclic, p)
		}
	}
	if len(cyclic) < 2 {
		return
	}
	sort.Slice(cyclic, func(i, j int) bool { return cyclic[i].Handle < cyclic[j].Handle })

	iMin := cyclic[0].CycleInterval
	for _, p := range cyclic {
		if p.CycleInterval < iMin {
			iMin = p.CycleInterval
		}
	}
	delta := iMin / time.Duration(len(cyclic))
	if delta <= 0 {
		return
	}

	t0 := e.now()
	for k, p := range cyclic {
		offset := time.Duration(k) * delta
		if 2*offset <= p.CycleInterval {
			p.TimeToGo = t0.Add(offset)
		}
	}
}

// Request arms a PULL: it marks (or creates) a send-queue element with
// REQ_2B_SENT and arms the matching subscription's timeout, to be sent on
// the next Process tick with msgType flipped to Pp.
func (e *Engine) Request(sub SubHandle, replyComID uint32, replyIP string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.subs[sub]
	if !ok {
		return trdperr.New("pdengine.Request", trdperr.KindNoSub, nil)
	}

	key := AddressKey{ComID: replyComID, SrcIP: s.Key.SrcIP, DstIP: s.Key.DstIP}
	p, ok := e.pubsByKey[key]
	if !ok {
		e.nextPub++
		p = &Publication{Handle: e.nextPub, Key: key}
		e.pubsByKey[key] = p
		e.pubs[p.Handle] = p
	}
	p.MustSend = true
	p.PullSourceIP = replyIP

	if s.Timeout > 0 {
		s.TimeToGo = e.now().Add(s.Timeout)
	}
	return nil
}

// handlePullRequest is invoked by Receive when a Pr frame arrives: it
// finds the publication matching replyComID and arms it for immediate
// reply to the requester (replyIPAddr if non-zero, else the frame's
// source IP).
func (e *Engine) handlePullRequest(replyComID uint32, replyIPAddr, srcIP string) {
	found := false
	for _, p := range e.pubs {
		if p.Key.ComID == replyComID {
			found = true
			p.MustSend = true
			if replyIPAddr != "" {
				p.PullSourceIP = replyIPAddr
			} else {
				p.PullSourceIP = srcIP
			}
		}
	}
	if !found {
		e.stats.PDNoPub()
	}
}
