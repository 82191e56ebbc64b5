// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mdengine

import (
	"testing"
	"time"
)

// wireUp connects a to b and b to a over an in-process SendFrame, so the
// two engines exchange real built-and-parsed wire frames.
func wireUp(a, b *Engine) {
	a.SendFrame = func(dstIP string, useTCP bool, frame []byte) error {
		return b.Receive(frame, "A", useTCP)
	}
	b.SendFrame = func(dstIP string, useTCP bool, frame []byte) error {
		return a.Receive(frame, "B", useTCP)
	}
}

func TestRequestReply_NoConfirm(t *testing.T) {
	a := New()
	b := New()
	wireUp(a, b)

	var got Request
	b.AddListener(Listener{
		ComID: 2002,
		OnRequest: func(req Request) {
			got = req
			if err := b.Reply(req.SessionID, []byte("Data transmission succeded"), false, 0); err != nil {
				t.Errorf("Reply: %v", err)
			}
		},
	})

	var srcURI [32]byte
	copy(srcURI[:], "12345678901234567890123456789012")

	var reply Reply
	_, err := a.Request(RequestParams{
		ComID:        2002,
		DstIP:        "B",
		SrcURI:       srcURI,
		ReplyTimeout: time.Second,
		OnReply:      func(r Reply) { reply = r },
	}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if got.SrcURI != srcURI {
		t.Errorf("listener saw SrcURI %v, want %v", got.SrcURI, srcURI)
	}
	if string(reply.Data) != "Data transmission succeded" {
		t.Errorf("reply data = %q, want %q", reply.Data, "Data transmission succeded")
	}
}

func TestMulticastRequest_TwoRepliers(t *testing.T) {
	a := New()
	b := New()
	c := New()

	a.SendFrame = func(dstIP string, useTCP bool, frame []byte) error {
		b.Receive(frame, "A", useTCP)
		c.Receive(frame, "A", useTCP)
		return nil
	}
	b.SendFrame = func(dstIP string, useTCP bool, frame []byte) error { return a.Receive(frame, "B", useTCP) }
	c.SendFrame = func(dstIP string, useTCP bool, frame []byte) error { return a.Receive(frame, "C", useTCP) }

	reply := func(e *Engine) func(Request) {
		return func(req Request) {
			if err := e.Reply(req.SessionID, []byte("ok"), false, 0); err != nil {
				t.Errorf("Reply: %v", err)
			}
		}
	}
	b.AddListener(Listener{ComID: 5003, OnRequest: reply(b)})
	c.AddListener(Listener{ComID: 5003, OnRequest: reply(c)})

	var replies []Reply
	_, err := a.Request(RequestParams{
		ComID:        5003,
		DstIP:        "239.0.1.1",
		ReplyTimeout: time.Second,
		NoOfRepliers: 2,
		OnReply:      func(r Reply) { replies = append(replies, r) },
	}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if replies[0].NumReplies != 1 || replies[1].NumReplies != 2 {
		t.Errorf("NumReplies sequence = %d, %d, want 1, 2", replies[0].NumReplies, replies[1].NumReplies)
	}
	if replies[1].State != StateDone {
		t.Errorf("final state = %v, want DONE once noOfRepliers reached", replies[1].State)
	}
}

func TestConfirmTimeout(t *testing.T) {
	now := time.Now()
	a := New(withClock(func() time.Time { return now }))
	b := New(withClock(func() time.Time { return now }))
	wireUp(a, b)

	b.AddListener(Listener{
		ComID: 7001,
		OnRequest: func(req Request) {
			if err := b.Reply(req.SessionID, []byte("need confirm"), true, 5*time.Second); err != nil {
				t.Errorf("Reply: %v", err)
			}
		},
	})

	_, err := a.Request(RequestParams{ComID: 7001, DstIP: "B", ReplyTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// A deliberately never confirms; advance past B's confirm deadline.
	now = now.Add(6 * time.Second)

	var confirmTimedOut bool
	b.mu.Lock()
	for _, s := range b.sessions {
		if s.State == StateConfirmAwait {
			s.OnReply = func(r Reply) {
				if r.State == StateConfirmTimeout {
					confirmTimedOut = true
				}
			}
		}
	}
	b.mu.Unlock()

	b.Process()

	if !confirmTimedOut {
		t.Error("confirm-await session did not terminate with CONFIRM_TIMEOUT")
	}
}

func TestNotification_SessionIDMustBeZero(t *testing.T) {
	a := New()
	b := New()
	wireUp(a, b)

	var got Notification
	b.AddListener(Listener{
		ComID:    4001,
		OnNotify: func(n Notification) { got = n },
	})

	if err := a.Notify(4001, "A", "B", [32]byte{}, [32]byte{}, []byte("hi"), false); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ComID != 4001 {
		t.Errorf("notify callback did not fire, ComID = %d", got.ComID)
	}
}

func TestReplyTimeout_RetriesThenTerminates(t *testing.T) {
	now := time.Now()
	a := New(withClock(func() time.Time { return now }))
	// No responder wired: every request goes unanswered.
	a.SendFrame = func(dstIP string, useTCP bool, frame []byte) error { return nil }

	var final Reply
	id, err := a.Request(RequestParams{
		ComID:         9001,
		DstIP:         "nobody",
		ReplyTimeout:  time.Second,
		NumRetriesMax: 2,
		OnReply:       func(r Reply) { final = r },
	}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	for i := 0; i < 2; i++ {
		now = now.Add(2 * time.Second)
		a.Process()
		a.mu.Lock()
		_, stillOpen := a.sessions[id]
		a.mu.Unlock()
		if !stillOpen {
			t.Fatalf("session closed after retry %d, want it to still be retrying", i)
		}
	}

	now = now.Add(2 * time.Second)
	a.Process()

	if final.State != StateReplyTimeout {
		t.Errorf("final state = %v, want REPLY_TIMEOUT", final.State)
	}
}

// countingStats records MD counter callbacks so tests can assert on them.
type countingStats struct {
	noopStats
	topoErr    int
	noListener int
}

func (c *countingStats) MDTopoErr(bool)    { c.topoErr++ }
func (c *countingStats) MDNoListener(bool) { c.noListener++ }

func TestUnknownRepliers_CompletesAfterFullTimeout(t *testing.T) {
	now := time.Now()
	a := New(withClock(func() time.Time { return now }))
	b := New(withClock(func() time.Time { return now }))
	wireUp(a, b)

	b.AddListener(Listener{
		ComID: 5003,
		OnRequest: func(req Request) {
			if err := b.Reply(req.SessionID, []byte("ok"), false, 0); err != nil {
				t.Errorf("Reply: %v", err)
			}
		},
	})

	var final Reply
	id, err := a.Request(RequestParams{
		ComID:        5003,
		DstIP:        "B",
		ReplyTimeout: time.Second,
		NoOfRepliers: 0, // unknown count: wait the full timeout
		OnReply:      func(r Reply) { final = r },
	}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	a.mu.Lock()
	_, stillOpen := a.sessions[id]
	a.mu.Unlock()
	if !stillOpen {
		t.Fatal("unknown-count session closed before its timeout ran out")
	}

	now = now.Add(2 * time.Second)
	a.Process()

	if final.State != StateDone {
		t.Errorf("final state = %v, want DONE (a reply did arrive)", final.State)
	}
	if final.ResultCode != nil {
		t.Errorf("ResultCode = %v, want nil", final.ResultCode)
	}
	a.mu.Lock()
	_, stillOpen = a.sessions[id]
	a.mu.Unlock()
	if stillOpen {
		t.Error("session still open after its timeout completed it")
	}
}

func TestAppTimeout_UnansweredRequestExpires(t *testing.T) {
	now := time.Now()
	a := New(withClock(func() time.Time { return now }))
	b := New(withClock(func() time.Time { return now }))
	wireUp(a, b)

	// Listener accepts the request but never replies.
	b.AddListener(Listener{ComID: 6001, OnRequest: func(Request) {}})

	if _, err := a.Request(RequestParams{
		ComID:        6001,
		DstIP:        "B",
		ReplyTimeout: time.Second,
	}, nil); err != nil {
		t.Fatalf("Request: %v", err)
	}

	b.mu.Lock()
	open := len(b.sessions)
	b.mu.Unlock()
	if open != 1 {
		t.Fatalf("responder has %d open sessions, want 1", open)
	}

	now = now.Add(2 * time.Second)
	b.Process()

	b.mu.Lock()
	open = len(b.sessions)
	b.mu.Unlock()
	if open != 0 {
		t.Error("unanswered REQ_RCVD session survived its reply deadline")
	}
}

func TestTopoCountMismatch_DropsFrame(t *testing.T) {
	st := &countingStats{}
	a := New()
	b := New(WithStats(st))
	wireUp(a, b)
	a.SetTopoCounts(7, 0)
	b.SetTopoCounts(5, 0)

	fired := false
	b.AddListener(Listener{ComID: 4001, OnNotify: func(Notification) { fired = true }})

	if err := a.Notify(4001, "A", "B", [32]byte{}, [32]byte{}, nil, false); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if fired {
		t.Error("listener fired despite ETB topocount mismatch")
	}
	if st.topoErr != 1 {
		t.Errorf("topoErr counter = %d, want 1", st.topoErr)
	}
}

func TestListener_DestURIPredicate(t *testing.T) {
	st := &countingStats{}
	a := New()
	b := New(WithStats(st))
	wireUp(a, b)

	var got Notification
	b.AddListener(Listener{
		ComID:    4002,
		DestURI:  "train1.loc2.dev2",
		OnNotify: func(n Notification) { got = n },
	})

	var wrongURI, rightURI [32]byte
	copy(wrongURI[:], "train1.loc2.dev9")
	copy(rightURI[:], "train1.loc2.dev2")

	if err := a.Notify(4002, "A", "B", [32]byte{}, wrongURI, []byte("x"), false); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ComID != 0 {
		t.Fatal("listener fired for a destination URI it does not serve")
	}
	if st.noListener != 1 {
		t.Errorf("noListener counter = %d, want 1", st.noListener)
	}

	if err := a.Notify(4002, "A", "B", [32]byte{}, rightURI, []byte("y"), false); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ComID != 4002 {
		t.Error("listener did not fire for its own destination URI")
	}
}

func TestReplyErr_AdvancesToReplySentAndGuardsState(t *testing.T) {
	a := New()
	b := New()
	wireUp(a, b)

	requests := make(chan Request, 1)
	b.AddListener(Listener{
		ComID:     8001,
		OnRequest: func(req Request) { requests <- req },
	})

	var final Reply
	_, err := a.Request(RequestParams{
		ComID:        8001,
		DstIP:        "B",
		ReplyTimeout: time.Second,
		OnReply:      func(r Reply) { final = r },
	}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	req := <-requests

	var state SessionState
	b.mu.Lock()
	s := b.sessions[req.SessionID]
	b.mu.Unlock()
	if s == nil {
		t.Fatal("responder session missing before ReplyErr")
	}

	if err := b.ReplyErr(req.SessionID, nil); err != nil {
		t.Fatalf("ReplyErr: %v", err)
	}
	if state = s.State; state != StateReplySent {
		t.Errorf("responder state after ReplyErr = %v, want REPLY_SENT", state)
	}
	b.mu.Lock()
	_, stillOpen := b.sessions[req.SessionID]
	b.mu.Unlock()
	if stillOpen {
		t.Error("responder session still open after ReplyErr")
	}

	// The requester side terminates with ERR on the received Me.
	if final.State != StateErr {
		t.Errorf("requester state = %v, want ERR", final.State)
	}
	if final.ResultCode == nil {
		t.Error("requester ResultCode = nil, want an error for an Me reply")
	}

	// A second ReplyErr must not find (or re-enter) the session.
	if err := b.ReplyErr(req.SessionID, nil); err == nil {
		t.Error("ReplyErr on a completed session succeeded, want error")
	}
}

func TestReplyErr_RejectsNonReqRcvdSession(t *testing.T) {
	a := New()
	a.SendFrame = func(string, bool, []byte) error { return nil }

	id, err := a.Request(RequestParams{
		ComID:        8002,
		DstIP:        "nobody",
		ReplyTimeout: time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// The session is REQ_SENT (requester side), not REQ_RCVD.
	if err := a.ReplyErr(id, nil); err == nil {
		t.Fatal("ReplyErr on a REQ_SENT session succeeded, want error")
	}
	a.mu.Lock()
	state := a.sessions[id].State
	a.mu.Unlock()
	if state != StateReqSent {
		t.Errorf("session state after rejected ReplyErr = %v, want REQ_SENT", state)
	}
}
