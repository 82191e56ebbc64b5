// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mdengine

import (
	"time"

	"github.com/open-source-firmware/trdp-go/internal/wire"
	"github.com/open-source-firmware/trdp-go/pkg/trdperr"
)

// Receive processes one MD frame already read from a socket (UDP
// datagram or a length-framed TCP message).
func (e *Engine) Receive(buf []byte, srcIP string, useTCP bool) error {
	res, err := wire.Check(buf)
	if err != nil {
		if err == wire.ErrBadCRC {
			e.stats.MDCRCErr(useTCP)
		} else {
			e.stats.MDProtoErr(useTCP)
		}
		return err
	}
	if res.MD == nil {
		e.stats.MDProtoErr(useTCP)
		return trdperr.New("mdengine.Receive", trdperr.KindWireErr, nil)
	}
	if res.Header.ETBTopoCnt != 0 && res.Header.ETBTopoCnt != e.etbTopoCnt.Load() {
		e.stats.MDTopoErr(useTCP)
		return nil
	}
	if res.Header.OpTrnTopoCnt != 0 && res.Header.OpTrnTopoCnt != e.opTrnTopoCnt.Load() {
		e.stats.MDTopoErr(useTCP)
		return nil
	}
	e.stats.MDReceived(useTCP)
	if wire.DebugDump {
		e.log.Debug("md frame received", "srcIP", srcIP, "useTCP", useTCP, "dump", wire.DumpFrame(res))
	}

	switch wire.MsgType(res.Header.MsgType) {
	case wire.MsgTypeMN:
		return e.receiveNotify(res, srcIP, useTCP)
	case wire.MsgTypeMR:
		return e.receiveRequest(res, srcIP, useTCP)
	case wire.MsgTypeMP, wire.MsgTypeMQ:
		return e.receiveReply(res, false)
	case wire.MsgTypeME:
		return e.receiveReply(res, true)
	case wire.MsgTypeMC:
		return e.receiveConfirm(res)
	default:
		return trdperr.New("mdengine.Receive", trdperr.KindWireErr, nil)
	}
}

func (e *Engine) receiveNotify(res *wire.CheckResult, srcIP string, useTCP bool) error {
	if !SessionID(res.MD.SessionID).IsZero() {
		return trdperr.New("mdengine.Receive", trdperr.KindWireErr, nil)
	}

	e.mu.Lock()
	l := e.matchListener(res.Header.ComID, "", uriString(res.MD.DestURI))
	e.mu.Unlock()
	if l == nil || l.OnNotify == nil {
		e.stats.MDNoListener(useTCP)
		return nil
	}
	l.OnNotify(Notification{
		ComID:  res.Header.ComID,
		SrcIP:  srcIP,
		SrcURI: res.MD.SourceURI,
		Data:   res.Payload,
	})
	return nil
}

func (e *Engine) receiveRequest(res *wire.CheckResult, srcIP string, useTCP bool) error {
	e.mu.Lock()
	l := e.matchListener(res.Header.ComID, "", uriString(res.MD.DestURI))
	if l == nil {
		e.mu.Unlock()
		e.stats.MDNoListener(useTCP)
		return trdperr.New("mdengine.Receive", trdperr.KindNoListener, nil)
	}
	id := SessionID(res.MD.SessionID)
	s := &Session{
		ID:             id,
		ComID:          res.Header.ComID,
		PeerIP:         srcIP,
		SrcURI:         res.MD.SourceURI,
		DestURI:        res.MD.DestURI,
		State:          StateReqRcvd,
		UseTCP:         useTCP,
		ListenerHandle: l.Handle,
	}
	// The requester's reply timeout doubles as the application deadline:
	// a listener that never answers moves the session to APP_TIMEOUT.
	if res.MD.ReplyTimeout > 0 {
		s.ReplyDeadline = e.now().Add(time.Duration(res.MD.ReplyTimeout) * time.Millisecond)
	}
	e.sessions[id] = s
	cb := l.OnRequest
	e.mu.Unlock()

	if cb != nil {
		cb(Request{
			SessionID: id,
			ComID:     res.Header.ComID,
			SrcIP:     srcIP,
			SrcURI:    res.MD.SourceURI,
			Data:      res.Payload,
			UseTCP:    useTCP,
		})
	}
	return nil
}

// receiveReply advances a requester-side session on Mp/Mq/Me. isErr marks
// an Me frame, which always terminates the session.
func (e *Engine) receiveReply(res *wire.CheckResult, isErr bool) error {
	id := SessionID(res.MD.SessionID)

	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || s.State != StateReqSent {
		e.mu.Unlock()
		return trdperr.New("mdengine.Receive", trdperr.KindNoSession, nil)
	}

	s.NumReplies++
	done := false
	var resultCode error

	switch {
	case isErr:
		s.State = StateErr
		done = true
		resultCode = trdperr.ErrSession
	case wire.MsgType(res.Header.MsgType) == wire.MsgTypeMQ:
		s.State = StateConfirmSendable
	default: // Mp
		if s.NoOfRepliers > 0 && s.NumReplies >= s.NoOfRepliers {
			s.State = StateDone
			done = true
		}
	}

	reply := Reply{
		SessionID:  id,
		NumReplies: s.NumReplies,
		SrcURI:     res.MD.SourceURI,
		Data:       res.Payload,
		ResultCode: resultCode,
		State:      s.State,
	}
	if done {
		delete(e.sessions, id)
	}
	cb := s.OnReply
	e.mu.Unlock()

	if cb != nil {
		cb(reply)
	}
	return nil
}

func (e *Engine) receiveConfirm(res *wire.CheckResult) error {
	id := SessionID(res.MD.SessionID)

	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || s.State != StateConfirmAwait {
		e.mu.Unlock()
		return trdperr.New("mdengine.Receive", trdperr.KindNoSession, nil)
	}
	s.State = StateDone
	delete(e.sessions, id)
	cb := s.OnReply
	e.mu.Unlock()

	if cb != nil {
		cb(Reply{SessionID: id, State: StateDone})
	}
	return nil
}
