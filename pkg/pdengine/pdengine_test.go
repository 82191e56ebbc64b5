// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdengine

import (
	"testing"
	"time"

	"github.com/open-source-firmware/trdp-go/internal/wire"
)

func TestPublish_DuplicateTupleFails(t *testing.T) {
	e := New()
	key := AddressKey{ComID: 1000, SrcIP: "10.0.0.1", DstIP: "10.0.0.200"}
	if _, err := e.Publish(key, time.Second, FlagNone, 0, 0, 0, nil); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if _, err := e.Publish(key, time.Second, FlagNone, 0, 0, 0, nil); err == nil {
		t.Fatal("second Publish on same tuple succeeded, want error")
	}
}

func TestPublishUnpublish_Identity(t *testing.T) {
	e := New()
	key := AddressKey{ComID: 1000, SrcIP: "10.0.0.1", DstIP: "10.0.0.200"}
	h, err := e.Publish(key, time.Second, FlagNone, 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := e.Unpublish(h); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if _, err := e.Publish(key, time.Second, FlagNone, 0, 0, 0, nil); err != nil {
		t.Fatalf("re-Publish after Unpublish: %v", err)
	}
}

func TestPutThenGet_PDEcho(t *testing.T) {
	pub := New()
	sub := New()

	pubKey := AddressKey{ComID: 1000, SrcIP: "0.0.0.0", DstIP: "10.0.0.200"}
	ph, err := pub.Publish(pubKey, time.Hour, FlagNone, 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Put(ph, []byte("Hello World")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	subKey := AddressKey{ComID: 1000, SrcIP: "10.0.0.100", DstIP: "10.0.0.200"}
	sh, err := sub.Subscribe(subKey, "", 3*time.Second, SetToZero, 1500, nil, nil, false, FlagNone)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pub.mu.Lock()
	p := pub.pubs[ph]
	frame, err := buildFrame(p, 1, wire.MsgTypePD, 0, 0)
	pub.mu.Unlock()
	if err != nil {
		t.Fatalf("buildFrame: %v", err)
	}

	if err := sub.Receive(frame, "10.0.0.100", 0, 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	got, err := sub.Get(sh)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "Hello World" {
		t.Errorf("Get() = %q, want %q", got, "Hello World")
	}

	sub.mu.Lock()
	timedOut := sub.subs[sh].TimedOut
	sub.mu.Unlock()
	if timedOut {
		t.Error("subscription reports timed out after a single fresh frame")
	}
}

func TestSequenceCounter_MonotonicAndReset(t *testing.T) {
	sub := New()
	subKey := AddressKey{ComID: 42, SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}
	sh, err := sub.Subscribe(subKey, "", 0, SetToZero, 64, nil, nil, false, FlagNone)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	send := func(seq uint32, payload string) {
		var h Publication
		h.Key = AddressKey{ComID: 42}
		h.payload = []byte(payload)
		frame, err := buildFrame(&h, seq, wire.MsgTypePD, 0, 0)
		if err != nil {
			t.Fatalf("buildFrame seq=%d: %v", seq, err)
		}
		if err := sub.Receive(frame, "10.0.0.1", 0, 0); err != nil {
			t.Fatalf("Receive seq=%d: %v", seq, err)
		}
	}

	send(1, "a")
	send(2, "b")
	send(5, "c") // jump: 2 missed (3,4)
	send(4, "stale")

	sub.mu.Lock()
	s := sub.subs[sh]
	lastSeq, missed, stored := s.LastSeq, s.MissedCount, string(s.stored)
	sub.mu.Unlock()

	if lastSeq != 5 {
		t.Errorf("LastSeq = %d, want 5 (stale frame must not move it)", lastSeq)
	}
	if missed != 2 {
		t.Errorf("MissedCount = %d, want 2", missed)
	}
	if stored != "c" {
		t.Errorf("stored payload = %q, want %q (stale duplicate ignored)", stored, "c")
	}

	send(0, "restart")
	sub.mu.Lock()
	lastSeq2, missedAfterReset := sub.subs[sh].LastSeq, sub.subs[sh].MissedCount
	sub.mu.Unlock()
	if lastSeq2 != 0 {
		t.Errorf("LastSeq after restart = %d, want 0", lastSeq2)
	}
	if missedAfterReset != 0 {
		t.Errorf("MissedCount after restart = %d, want 0", missedAfterReset)
	}
}

func TestGet_NoDataBeforeFirstReceive(t *testing.T) {
	e := New()
	sh, err := e.Subscribe(AddressKey{ComID: 1}, "", 0, SetToZero, 64, nil, nil, false, FlagNone)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := e.Get(sh); err == nil {
		t.Error("Get() before any reception succeeded, want NODATA error")
	}
}

func TestTimeoutSupervision_RaisesFlagAndZeroesOnSetToZero(t *testing.T) {
	now := time.Now()
	e := New(withClock(func() time.Time { return now }))

	sh, err := e.Subscribe(AddressKey{ComID: 9}, "", 100*time.Millisecond, SetToZero, 64, nil, nil, false, FlagNone)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var h Publication
	h.Key = AddressKey{ComID: 9}
	h.payload = []byte("x")
	frame, _ := buildFrame(&h, 1, wire.MsgTypePD, 0, 0)
	if err := e.Receive(frame, "", 0, 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	now = now.Add(200 * time.Millisecond)
	e.Process(0, 0)

	if _, err := e.Get(sh); err == nil {
		t.Error("Get() after timeout succeeded, want timeout error")
	}

	e.mu.Lock()
	stored := e.subs[sh].stored
	e.mu.Unlock()
	if len(stored) != 0 {
		t.Errorf("stored payload after SetToZero timeout = %q, want empty", stored)
	}
}

func TestDistribute_StaggersCyclicPublications(t *testing.T) {
	now := time.Now()
	e := New(withClock(func() time.Time { return now }))

	var handles []PubHandle
	for i := 0; i < 4; i++ {
		h, err := e.Publish(AddressKey{ComID: uint32(1000 + i)}, 100*time.Millisecond, FlagNone, 0, 0, 0, nil)
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	e.Distribute()

	e.mu.Lock()
	defer e.mu.Unlock()
	seen := map[time.Time]bool{}
	for _, h := range handles {
		tg := e.pubs[h].TimeToGo
		if seen[tg] {
			t.Errorf("two publications share TimeToGo %v, staggering did not separate them", tg)
		}
		seen[tg] = true
	}
}

func TestRequest_ArmsPullAndTimeout(t *testing.T) {
	now := time.Now()
	e := New(withClock(func() time.Time { return now }))

	sh, err := e.Subscribe(AddressKey{ComID: 1000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, "", time.Second, SetToZero, 64, nil, nil, false, FlagNone)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	now = now.Add(500 * time.Millisecond)
	if err := e.Request(sh, 1000, "10.0.0.1"); err != nil {
		t.Fatalf("Request: %v", err)
	}

	e.mu.Lock()
	key := AddressKey{ComID: 1000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}
	p, ok := e.pubsByKey[key]
	subTimeToGo := e.subs[sh].TimeToGo
	e.mu.Unlock()
	if want := now.Add(time.Second); !subTimeToGo.Equal(want) {
		t.Errorf("subscription TimeToGo = %v, want %v (timeout re-armed by Request)", subTimeToGo, want)
	}
	if !ok {
		t.Fatal("Request did not create a send-queue element for the reply ComID")
	}
	if !p.MustSend {
		t.Error("MustSend not set after Request")
	}
}

// xorCodec is a trivial symmetric Codec used to prove the marshalling
// callbacks run on both sides of a FlagMarshall element.
type xorCodec struct{}

func (xorCodec) Marshall(_ uint32, _, _ string, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ 0xFF
	}
	return out, nil
}

func (xorCodec) Unmarshall(comID uint32, srcIP, dstIP string, wire []byte) ([]byte, error) {
	return xorCodec{}.Marshall(comID, srcIP, dstIP, wire)
}

func TestMarshallFlag_RunsCodecBothWays(t *testing.T) {
	pub := New(WithCodec(xorCodec{}))
	sub := New(WithCodec(xorCodec{}))

	ph, err := pub.Publish(AddressKey{ComID: 77}, time.Hour, FlagMarshall, 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Put(ph, []byte("plain")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	pub.mu.Lock()
	wireBytes := append([]byte(nil), pub.pubs[ph].payload...)
	pub.mu.Unlock()
	if string(wireBytes) == "plain" {
		t.Fatal("Put did not run the payload through the codec")
	}

	sh, err := sub.Subscribe(AddressKey{ComID: 77}, "", 0, KeepLastValue, 64, nil, nil, false, FlagMarshall)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pub.mu.Lock()
	frame, err := buildFrame(pub.pubs[ph], 1, wire.MsgTypePD, 0, 0)
	pub.mu.Unlock()
	if err != nil {
		t.Fatalf("buildFrame: %v", err)
	}
	if err := sub.Receive(frame, "", 0, 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	got, err := sub.Get(sh)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "plain" {
		t.Errorf("Get() = %q, want the unmarshalled %q", got, "plain")
	}
}
