// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/open-source-firmware/trdp-go/pkg/mdengine"
	"github.com/open-source-firmware/trdp-go/pkg/pdengine"
	"github.com/open-source-firmware/trdp-go/pkg/trdp"
)

// cmdContext is the context struct required by kong command line parser.
type cmdContext struct{}

const tickInterval = 10 * time.Millisecond

type publishCmd struct {
	SrcIP   string        `flag:"" required:"" short:"s" help:"Local source IP to bind and send from"`
	DstIP   string        `flag:"" required:"" short:"d" help:"Destination IP, or a multicast address"`
	ComID   uint32        `flag:"" required:"" short:"c" help:"ComId to publish"`
	Cycle   time.Duration `flag:"" default:"1s" help:"Cycle time, 0 for a PULL-only publication"`
	Payload string        `flag:"" required:"" type:"payload" short:"p" help:"Payload to send"`
	RunFor  time.Duration `flag:"" name:"run" default:"10s" help:"How long to keep the publication alive"`
}

func (c *publishCmd) Run(ctx *cmdContext) error {
	sess, err := trdp.NewSession(trdp.WithHostIP(c.SrcIP))
	if err != nil {
		return fmt.Errorf("NewSession: %w", err)
	}
	defer sess.Close()

	if _, err := sess.Publish(
		pdengine.AddressKey{ComID: c.ComID, SrcIP: c.SrcIP, DstIP: c.DstIP},
		c.Cycle, pdengine.FlagNone, 0, 0, 0, []byte(c.Payload),
	); err != nil {
		return fmt.Errorf("Publish: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), c.RunFor)
	defer cancel()
	fmt.Printf("Publishing comId %d to %s for %s\n", c.ComID, c.DstIP, c.RunFor)
	return sess.Run(runCtx, tickInterval)
}

type subscribeCmd struct {
	SrcIP   string        `flag:"" required:"" short:"s" help:"Local IP to bind and receive on"`
	PeerIP  string        `flag:"" required:"" short:"p" help:"Publisher's source IP to match"`
	ComID   uint32        `flag:"" required:"" short:"c" help:"ComId to subscribe to"`
	Timeout time.Duration `flag:"" default:"3s" help:"Subscription timeout"`
	RunFor  time.Duration `flag:"" name:"run" default:"10s" help:"How long to listen"`
}

func (c *subscribeCmd) Run(ctx *cmdContext) error {
	sess, err := trdp.NewSession(trdp.WithHostIP(c.SrcIP))
	if err != nil {
		return fmt.Errorf("NewSession: %w", err)
	}
	defer sess.Close()

	if _, err := sess.Subscribe(
		pdengine.AddressKey{ComID: c.ComID, SrcIP: c.PeerIP},
		"", c.Timeout, pdengine.SetToZero, 0, nil,
		func(info pdengine.Info) {
			if info.Result != nil {
				fmt.Printf("comId %d: %v\n", c.ComID, info.Result)
				return
			}
			fmt.Printf("comId %d seq %d: %q\n", c.ComID, info.Seq, string(info.Data))
		}, false, pdengine.FlagNone,
	); err != nil {
		return fmt.Errorf("Subscribe: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), c.RunFor)
	defer cancel()
	return sess.Run(runCtx, tickInterval)
}

type pullCmd struct {
	SrcIP        string        `flag:"" required:"" short:"s" help:"Local IP to bind and receive the reply on"`
	PublisherIP  string        `flag:"" required:"" short:"d" help:"Publisher's IP to send the Pr request to"`
	ComID        uint32        `flag:"" required:"" short:"c" help:"ComId of the PULL-only publication"`
	ReplyTimeout time.Duration `flag:"" default:"3s" help:"How long to wait for the Pp reply"`
}

func (c *pullCmd) Run(ctx *cmdContext) error {
	sess, err := trdp.NewSession(trdp.WithHostIP(c.SrcIP))
	if err != nil {
		return fmt.Errorf("NewSession: %w", err)
	}
	defer sess.Close()

	got := make(chan pdengine.Info, 1)
	if _, err := sess.Subscribe(
		pdengine.AddressKey{ComID: c.ComID, SrcIP: c.PublisherIP},
		"", c.ReplyTimeout, pdengine.SetToZero, 0, nil,
		func(info pdengine.Info) { got <- info }, false, pdengine.FlagNone,
	); err != nil {
		return fmt.Errorf("Subscribe: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), c.ReplyTimeout)
	defer cancel()
	go sess.Run(runCtx, tickInterval)

	if err := sess.PullRequest(c.ComID, c.PublisherIP, c.ComID, ""); err != nil {
		return fmt.Errorf("PullRequest: %w", err)
	}

	select {
	case info := <-got:
		if info.Result != nil {
			return fmt.Errorf("pull failed: %w", info.Result)
		}
		fmt.Printf("comId %d seq %d: %q\n", c.ComID, info.Seq, string(info.Data))
		return nil
	case <-runCtx.Done():
		return fmt.Errorf("timed out waiting for Pp reply")
	}
}

type requestCmd struct {
	SrcIP        string        `flag:"" required:"" short:"s" help:"Local IP to bind and send from"`
	DstIP        string        `flag:"" required:"" short:"d" help:"Destination IP to request from"`
	ComID        uint32        `flag:"" required:"" short:"c" help:"ComId to request"`
	Payload      string        `flag:"" type:"payload" short:"p" help:"Payload to send with the request"`
	PayloadFile  string        `flag:"" type:"accessiblefile" help:"Read the request payload from this file instead of --payload, '-' for stdin"`
	ReplyTimeout time.Duration `flag:"" default:"5s" help:"How long to wait for a reply"`
	TCP          bool          `flag:"" help:"Use TCP instead of UDP for this session"`
}

func (c *requestCmd) Run(ctx *cmdContext) error {
	data := []byte(c.Payload)
	if c.PayloadFile != "" {
		var err error
		if data, err = readPayloadFile(c.PayloadFile); err != nil {
			return fmt.Errorf("read payload file: %w", err)
		}
	}

	sess, err := trdp.NewSession(trdp.WithHostIP(c.SrcIP))
	if err != nil {
		return fmt.Errorf("NewSession: %w", err)
	}
	defer sess.Close()

	runCtx, cancel := context.WithTimeout(context.Background(), c.ReplyTimeout)
	defer cancel()
	go sess.Run(runCtx, tickInterval)

	got := make(chan mdengine.Reply, 1)
	_, err = sess.RequestMD(mdengine.RequestParams{
		ComID:        c.ComID,
		SrcIP:        c.SrcIP,
		DstIP:        c.DstIP,
		ReplyTimeout: c.ReplyTimeout,
		NoOfRepliers: 1,
		UseTCP:       c.TCP,
		OnReply:      func(r mdengine.Reply) { got <- r },
	}, data)
	if err != nil {
		return fmt.Errorf("RequestMD: %w", err)
	}

	select {
	case reply := <-got:
		if reply.ResultCode != nil {
			return fmt.Errorf("request failed: %w", reply.ResultCode)
		}
		fmt.Printf("reply: %q\n", string(reply.Data))
		return nil
	case <-runCtx.Done():
		return fmt.Errorf("timed out waiting for a reply")
	}
}

// readPayloadFile loads a telegram payload from a file already vetted by
// AccessibleFileMapper; "-" reads stdin.
func readPayloadFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// cli is the main command line interface struct required by kong command line parser.
var cli struct {
	Publish   publishCmd   `cmd:"" help:"Publish a cyclic or PULL-only process data telegram"`
	Subscribe subscribeCmd `cmd:"" help:"Subscribe to a process data telegram and print what arrives"`
	Pull      pullCmd      `cmd:"" help:"Send a Pr request and print the Pp reply"`
	Request   requestCmd   `cmd:"" help:"Send a message data request and print the reply"`
}
