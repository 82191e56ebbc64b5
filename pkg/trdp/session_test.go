// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trdp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-source-firmware/trdp-go/pkg/mdengine"
	"github.com/open-source-firmware/trdp-go/pkg/pdengine"
	"github.com/open-source-firmware/trdp-go/pkg/trdp"
)

// newLoopbackPair returns two Sessions bound to distinct loopback
// addresses sharing one PD/MD port pair, the way two TRDP consist nodes
// share a single well-known port across distinct host IPs.
func newLoopbackPair(t *testing.T, pdPort, mdPort int) (*trdp.Session, *trdp.Session) {
	t.Helper()
	a, err := trdp.NewSession(trdp.WithHostIP("127.0.0.1"), trdp.WithPorts(pdPort, mdPort))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := trdp.NewSession(trdp.WithHostIP("127.0.0.2"), trdp.WithPorts(pdPort, mdPort))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return a, b
}

// TestPDEcho: a publisher on 127.0.0.1 cyclically
// sends "Hello World" to a subscriber on 127.0.0.2, which observes it with
// no timeout flag raised.
func TestPDEcho(t *testing.T) {
	a, b := newLoopbackPair(t, 32548, 32550)

	got := make(chan []byte, 4)
	_, err := b.Subscribe(
		pdengine.AddressKey{ComID: 1000, SrcIP: "127.0.0.1"},
		"", 3*time.Second, pdengine.SetToZero, 0, nil,
		func(info pdengine.Info) {
			require.NoError(t, info.Result)
			got <- info.Data
		}, false, pdengine.FlagNone)
	require.NoError(t, err)

	_, err = a.Publish(
		pdengine.AddressKey{ComID: 1000, SrcIP: "127.0.0.1", DstIP: "127.0.0.2"},
		50*time.Millisecond, pdengine.FlagNone, 0, 0, 0, []byte("Hello World"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go a.Run(ctx, 10*time.Millisecond)
	go b.Run(ctx, 10*time.Millisecond)

	select {
	case data := <-got:
		require.Equal(t, "Hello World", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PD echo")
	}
}

// TestPULL: a PULL-only publication is only sent
// once a peer requests it.
func TestPULL(t *testing.T) {
	a, b := newLoopbackPair(t, 32648, 32650)

	pub, err := a.Publish(
		pdengine.AddressKey{ComID: 1000, SrcIP: "127.0.0.1", DstIP: "127.0.0.2"},
		0 /* PULL-only */, pdengine.FlagNone, 0, 0, 0, []byte("pulled"))
	require.NoError(t, err)
	require.NotZero(t, pub)

	got := make(chan []byte, 1)
	_, err = b.Subscribe(
		pdengine.AddressKey{ComID: 1000, SrcIP: "127.0.0.1"},
		"", 2*time.Second, pdengine.SetToZero, 0, nil,
		func(info pdengine.Info) { got <- info.Data }, false, pdengine.FlagNone)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go a.Run(ctx, 10*time.Millisecond)
	go b.Run(ctx, 10*time.Millisecond)

	require.NoError(t, b.PullRequest(1000, "127.0.0.1", 1000, ""))

	select {
	case data := <-got:
		require.Equal(t, "pulled", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PULL reply")
	}
}

// TestMDRequestReply exercises request/reply over real MD UDP sockets.
func TestMDRequestReply(t *testing.T) {
	a, b := newLoopbackPair(t, 32748, 32750)

	srcURI := [32]byte{}
	copy(srcURI[:], "12345678901234567890123456789012")

	replied := make(chan mdengine.Request, 1)
	b.AddListener(mdengine.Listener{
		ComID: 2002,
		OnRequest: func(req mdengine.Request) {
			replied <- req
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go a.Run(ctx, 10*time.Millisecond)
	go b.Run(ctx, 10*time.Millisecond)

	got := make(chan mdengine.Reply, 1)
	_, err := a.RequestMD(mdengine.RequestParams{
		ComID:        2002,
		SrcIP:        "127.0.0.1",
		DstIP:        "127.0.0.2",
		SrcURI:       srcURI,
		ReplyTimeout: 2 * time.Second,
		NoOfRepliers: 1,
		OnReply: func(r mdengine.Reply) {
			got <- r
		},
	}, nil)
	require.NoError(t, err)

	var req mdengine.Request
	select {
	case req = <-replied:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Mr to be delivered")
	}
	require.Equal(t, srcURI, req.SrcURI)
	require.NoError(t, b.Reply(req.SessionID, []byte("Data transmission succeded"), false, 0))

	select {
	case reply := <-got:
		require.NoError(t, reply.ResultCode)
		require.Equal(t, "Data transmission succeded", string(reply.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Mp reply")
	}
}
