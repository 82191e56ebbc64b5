// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdengine

import (
	"math"
	"net"

	"github.com/open-source-firmware/trdp-go/internal/wire"
	"github.com/open-source-firmware/trdp-go/pkg/trdperr"
)

// Receive processes one datagram already read from a socket: codec check,
// topocount validation, PULL-request dispatch, subscription match,
// sequence-counter bookkeeping and scratch/stored buffer swap.
func (e *Engine) Receive(buf []byte, srcIP string, etbTopoCnt, opTrnTopoCnt uint32) error {
	res, err := wire.Check(buf)
	if err != nil {
		if err == wire.ErrBadCRC {
			e.stats.PDCRCErr()
		} else {
			e.stats.PDProtoErr()
		}
		return err
	}
	if wire.DebugDump {
		e.log.Debug("pd frame received", "srcIP", srcIP, "dump", wire.DumpFrame(res))
	}

	if res.Header.ETBTopoCnt != 0 && res.Header.ETBTopoCnt != etbTopoCnt {
		return e.topoErr()
	}
	if res.Header.OpTrnTopoCnt != 0 && res.Header.OpTrnTopoCnt != opTrnTopoCnt {
		return e.topoErr()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if wire.MsgType(res.Header.MsgType) == wire.MsgTypePR {
		replyIP := ""
		if res.Header.ReplyIPAddr != 0 {
			replyIP = ipString(res.Header.ReplyIPAddr)
		}
		e.handlePullRequest(res.Header.ReplyComID, replyIP, srcIP)
	}

	s := e.matchSubscription(res.Header.ComID, srcIP, "")
	if s == nil {
		e.stats.PDNoSub()
		return nil
	}

	e.acceptFrame(s, res, srcIP)
	return nil
}

func (e *Engine) topoErr() error {
	e.stats.PDTopoErr()
	return nil // frame dropped, only counted
}

func (e *Engine) matchSubscription(comID uint32, srcIP, dstIP string) *Subscription {
	for _, s := range e.subs {
		if s.Key.ComID != comID {
			continue
		}
		if s.Key.SrcIP != "" && s.Key.SrcIP != srcIP && s.SrcIP2 != srcIP {
			continue
		}
		if s.Key.DstIP != "" && dstIP != "" && s.Key.DstIP != dstIP {
			continue
		}
		return s
	}
	return nil
}

// acceptFrame runs the sequence counter check, swaps the scratch payload
// into the subscription's stored buffer on acceptance, and invokes the
// callback when appropriate.
func (e *Engine) acceptFrame(s *Subscription, res *wire.CheckResult, srcIP string) {
	seq := res.Header.SequenceCounter

	if seq == 0 {
		// Sender restart: reset tracking for this source.
		s.sawFirst = false
		s.MissedCount = 0
	}

	if s.sawFirst {
		switch {
		case seq > s.LastSeq:
			if seq-s.LastSeq > 1 {
				s.MissedCount += uint64(seq - s.LastSeq - 1)
			}
		case seq < s.LastSeq:
			// Wrap-around: only counts as progress if strictly "ahead"
			// modulo 2^32; otherwise it is a duplicate/stale frame.
			if s.LastSeq-seq > math.MaxUint32/2 {
				s.MissedCount += uint64(math.MaxUint32) - uint64(s.LastSeq) + uint64(seq)
			} else {
				return // duplicate or stale, ignore
			}
		default:
			return // duplicate, ignore
		}
	}

	payload := res.Payload
	if s.MaxSize > 0 && len(payload) > s.MaxSize {
		s.LastErr = trdperr.ErrParam
		e.stats.PDProtoErr()
		return
	}
	if s.Flags&FlagMarshall != 0 {
		out, err := e.codec.Unmarshall(s.Key.ComID, srcIP, s.Key.DstIP, payload)
		if err != nil {
			s.LastErr = err
			e.stats.PDProtoErr()
			return
		}
		payload = out
	}

	s.sawFirst = true
	s.LastSeq = seq
	s.LastSourceIP = srcIP

	changed := !bytesEqual(s.stored, payload)
	s.stored = append(s.stored[:0], payload...)

	if s.Timeout > 0 {
		s.TimeToGo = e.now().Add(s.Timeout)
	}
	s.TimedOut = false
	s.DataValid = true
	s.RxCount++
	e.stats.PDReceived()

	if s.Callback != nil && (changed || s.AlwaysCallback) {
		s.Callback(Info{Key: s.Key, Seq: seq, Data: s.stored})
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ipString(v uint32) string {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String()
}
